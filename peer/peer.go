// Package peer implements the Peer Connection: a single bidirectional byte
// stream to one remote peer, its per-peer protocol state, and the framing
// operations the Download/Upload Managers and Listener drive it through.
// It is the direct descendant of the teacher's peer.Client, generalized onto
// the wire and bitfield packages instead of raw byte slices.
package peer

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"gorent/bitfield"
	"gorent/wire"
)

// Addr is a dialable remote peer address as returned by the tracker.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// UnmarshalCompact decodes a tracker's compact peer list: 6 bytes per peer,
// 4 bytes IPv4 big-endian followed by 2 bytes port big-endian.
func UnmarshalCompact(peersBin []byte) ([]Addr, error) {
	const peerSize = 6
	if len(peersBin)%peerSize != 0 {
		return nil, fmt.Errorf("peer: compact peer list length %d not a multiple of %d", len(peersBin), peerSize)
	}
	n := len(peersBin) / peerSize
	addrs := make([]Addr, n)
	for i := 0; i < n; i++ {
		off := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, peersBin[off:off+4])
		addrs[i] = Addr{
			IP:   ip,
			Port: uint16(peersBin[off+4])<<8 | uint16(peersBin[off+5]),
		}
	}
	return addrs, nil
}

// ReadTimeout is the per-frame read deadline ReadDetectMessage arms on
// every connection, inbound and outbound (spec §5/§9): a stalled peer is
// indistinguishable from a dead one past this point.
const ReadTimeout = 3 * time.Second

// DialTimeout bounds the initial TCP connect + handshake for outbound
// connections.
const DialTimeout = 15 * time.Second

// PeerTimeout is returned when a read deadline is exceeded.
type PeerTimeout struct {
	Addr string
}

func (e *PeerTimeout) Error() string { return fmt.Sprintf("peer %s: read timed out", e.Addr) }

// PeerChokedBeforeRequest is returned when a worker sees `choke` before the
// `unchoke` it is waiting for.
type PeerChokedBeforeRequest struct {
	Addr string
}

func (e *PeerChokedBeforeRequest) Error() string {
	return fmt.Sprintf("peer %s: choked before first request", e.Addr)
}

// ErrUnsupportedAddressFamily is returned by Dial when asked to connect to
// anything but an IPv4 address; IPv6 peers are out of scope.
var ErrUnsupportedAddressFamily = fmt.Errorf("peer: only IPv4 addresses are supported")

// Direction distinguishes a connection this process initiated from one it
// accepted, mirroring the original implementation's inbound/outbound
// connection tag.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// ServeRequest is what a Connection forwards to the Upload Manager when it
// detects an inbound `request` message.
type ServeRequest struct {
	PieceIndex int
	Begin      int
	Length     int
	Conn       *Connection
}

// Connection owns one byte-stream endpoint, the info-hash it was negotiated
// over, and the peer-side protocol flags a worker's state machine consults.
// The underlying net.Conn may be written by two goroutines concurrently (a
// download worker's requests, an upload write-back for the same peer), so
// all writes go through writeMu.
type Connection struct {
	conn      net.Conn
	addr      Addr
	infoHash  [20]byte
	localID   [20]byte
	Direction Direction

	writeMu sync.Mutex

	// AmChoking/AmInterested describe our state toward the peer; PeerChoking
	// /PeerInterested describe the peer's state toward us, updated as
	// read_detect_message observes choke/unchoke/interested/not_interested.
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	// Bitfield is the remote peer's claimed piece set, grown and updated by
	// bitfield/have messages observed on this connection.
	Bitfield *bitfield.RemoteSet

	// Serve is where inbound `request` messages are forwarded; nil on
	// connections that don't serve (none in practice, but kept optional for
	// tests that only exercise the download side).
	Serve chan<- ServeRequest
}

// Dial opens a TCP connection to addr and performs the outbound handshake.
// Only IPv4 addresses are supported (SPEC_FULL §4 open-question #3).
func Dial(addr Addr, localID, infoHash [20]byte, serve chan<- ServeRequest) (*Connection, error) {
	if addr.IP.To4() == nil {
		return nil, ErrUnsupportedAddressFamily
	}
	conn, err := net.DialTimeout("tcp", addr.String(), DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dialing %s: %w", addr, err)
	}
	c := &Connection{
		conn:        conn,
		addr:        addr,
		infoHash:    infoHash,
		localID:     localID,
		Direction:   Outbound,
		AmChoking:   true,
		PeerChoking: true,
		Bitfield:    bitfield.NewRemoteSet(nil),
		Serve:       serve,
	}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Accept wraps an already-accepted inbound net.Conn in a Connection and
// performs the receiving side of the handshake.
func Accept(conn net.Conn, localID, infoHash [20]byte, serve chan<- ServeRequest) (*Connection, error) {
	c := &Connection{
		conn:        conn,
		addr:        addrOf(conn),
		infoHash:    infoHash,
		localID:     localID,
		Direction:   Inbound,
		AmChoking:   true,
		PeerChoking: true,
		Bitfield:    bitfield.NewRemoteSet(nil),
		Serve:       serve,
	}
	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

func addrOf(conn net.Conn) Addr {
	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return Addr{}
	}
	p, _ := strconv.Atoi(port)
	return Addr{IP: net.ParseIP(host), Port: uint16(p)}
}

// handshake exchanges the 68-byte handshake in both directions and verifies
// the info-hash matches. A mismatch closes nothing itself — callers close
// the connection on error — but returns no further frames either way.
func (c *Connection) handshake() error {
	c.conn.SetDeadline(time.Now().Add(DialTimeout))
	defer c.conn.SetDeadline(time.Time{})

	local := wire.Handshake{InfoHash: c.infoHash, PeerID: c.localID}
	c.writeMu.Lock()
	_, err := c.conn.Write(local.Serialize())
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("peer: sending handshake: %w", err)
	}

	remote, err := wire.ReadHandshake(c.conn)
	if err != nil {
		return fmt.Errorf("peer: reading handshake: %w", err)
	}
	if err := remote.Verify(c.infoHash); err != nil {
		return err
	}
	return nil
}

// Addr returns the remote peer's address.
func (c *Connection) Addr() Addr { return c.addr }

func (c *Connection) writeMessage(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(msg.Serialize())
	if err != nil {
		return fmt.Errorf("peer %s: writing: %w", c.addr, err)
	}
	return nil
}

// SendChoke sends a `choke` message.
func (c *Connection) SendChoke() error {
	c.AmChoking = true
	return c.writeMessage(wire.Message{ID: wire.Choke})
}

// SendUnchoke sends an `unchoke` message.
func (c *Connection) SendUnchoke() error {
	c.AmChoking = false
	return c.writeMessage(wire.Message{ID: wire.Unchoke})
}

// SendInterested sends an `interested` message.
func (c *Connection) SendInterested() error {
	c.AmInterested = true
	return c.writeMessage(wire.Message{ID: wire.Interested})
}

// SendNotInterested sends a `not_interested` message.
func (c *Connection) SendNotInterested() error {
	c.AmInterested = false
	return c.writeMessage(wire.Message{ID: wire.NotInterested})
}

// SendBitfield sends our current piece set, already packed into the
// compact bit-packed wire form by bitfield.Bitfield.Pack.
func (c *Connection) SendBitfield(packed []byte) error {
	return c.writeMessage(wire.MakeBitfield(packed))
}

// SendHave announces that we finished downloading piece index.
func (c *Connection) SendHave(index int) error {
	return c.writeMessage(wire.MakeHave(index))
}

// RequestChunk asks the peer for a CHUNK_SIZE-bounded slice of piece index.
func (c *Connection) RequestChunk(index, begin, length int) error {
	return c.writeMessage(wire.MakeRequest(index, begin, length))
}

// ReplyPiece writes back a `piece` message, used by the Upload Manager's
// serve path under this connection's own write lock.
func (c *Connection) ReplyPiece(index, begin int, block []byte) error {
	return c.writeMessage(wire.MakePiece(index, begin, block))
}

// Close closes the underlying stream.
func (c *Connection) Close() error { return c.conn.Close() }

// ReadDetectMessage reads exactly one frame, applies its effect to this
// connection's protocol state (choke/unchoke/interest flags, remote
// bitfield, forwarding requests to the Upload Manager), and returns the
// message so the caller's state machine can react to its kind. A read
// deadline of ReadTimeout is armed for the duration of the call.
func (c *Connection) ReadDetectMessage() (*wire.Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	msg, err := wire.ReadMessage(c.conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, &PeerTimeout{Addr: c.addr.String()}
		}
		return nil, err
	}
	if msg.IsKeepAlive() {
		return &msg, nil
	}

	switch msg.ID {
	case wire.Choke:
		c.PeerChoking = true
	case wire.Unchoke:
		c.PeerChoking = false
	case wire.Interested:
		c.PeerInterested = true
	case wire.NotInterested:
		c.PeerInterested = false
	case wire.Have:
		index, err := wire.ParseHave(msg)
		if err != nil {
			return nil, err
		}
		c.Bitfield.Set(index)
	case wire.Bitfield:
		c.Bitfield = bitfield.NewRemoteSet(bytes.Clone(msg.Payload))
	case wire.Request:
		index, begin, length, err := wire.ParseRequest(msg)
		if err != nil {
			return nil, err
		}
		if c.Serve != nil {
			c.Serve <- ServeRequest{PieceIndex: index, Begin: begin, Length: length, Conn: c}
		}
	}
	return &msg, nil
}
