// Package listener implements the serving-side Listener: binds a TCP port,
// and for every accepted connection performs the inbound handshake, sends
// our bitfield, then loops read_detect_message, handing any `request`
// frame off to the Upload Manager via the shared serve channel. It is the
// server-side mirror of the download worker's client role, grounded on the
// same peer.Connection primitives.
package listener

import (
	"net"

	"github.com/sirupsen/logrus"

	"gorent/bitfield"
	"gorent/peer"
	"gorent/upload"
	"gorent/wire"
)

// Listener owns the inbound TCP socket and the shared collaborators every
// accepted connection needs: the local bitfield (to build the bitfield we
// advertise), the serve-request channel (to forward `request` frames to
// the Upload Manager), and a control channel the Upload Manager signals on
// shutdown.
type Listener struct {
	ln       net.Listener
	infoHash [20]byte
	localID  [20]byte
	bf       *bitfield.Bitfield
	serveCh  chan<- peer.ServeRequest
	control  <-chan upload.ShutdownSignal
	log      *logrus.Entry
}

// New binds addr (e.g. ":6881"). Accept blocks; Serve stops it by closing
// the socket.
func New(addr string, infoHash, localID [20]byte, bf *bitfield.Bitfield, serveCh chan<- peer.ServeRequest, control <-chan upload.ShutdownSignal, log *logrus.Entry) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, infoHash: infoHash, localID: localID, bf: bf, serveCh: serveCh, control: control, log: log}, nil
}

// Addr returns the bound local address, useful when addr was ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until Close is called or a ShutdownSignal
// arrives on the control channel, dispatching each accepted connection to
// its own goroutine.
func (l *Listener) Serve() {
	if l.control != nil {
		go func() {
			<-l.control
			l.ln.Close()
		}()
	}
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(raw net.Conn) {
	conn, err := peer.Accept(raw, l.localID, l.infoHash, l.serveCh)
	if err != nil {
		if l.log != nil {
			l.log.WithError(err).Debug("listener: handshake failed")
		}
		raw.Close()
		return
	}
	defer conn.Close()

	if err := conn.SendUnchoke(); err != nil {
		return
	}
	if err := conn.SendBitfield(l.bf.Pack()); err != nil {
		return
	}

	for {
		msg, err := conn.ReadDetectMessage()
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).WithField("peer", conn.Addr().String()).Debug("listener: connection ended")
			}
			return
		}
		if !msg.IsKeepAlive() && msg.ID == wire.Choke {
			return
		}
	}
}
