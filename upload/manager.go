// Package upload implements the Upload Manager: the single consumer of
// inbound serve requests a Peer Connection forwards when it observes a
// `request` frame, reading the requested block back off disk and writing
// it to the requesting stream under that stream's own lock. It is
// grounded on the same request/response shape the teacher's Client.Read
// loop observes but never acts on (the teacher never serves piece data to
// peers); this package supplies the missing serving half spec §4.4 calls
// for.
package upload

import (
	"time"

	"github.com/sirupsen/logrus"

	"gorent/bitfield"
	"gorent/peer"
	"gorent/ui"
)

// PieceSource reads a length-byte block at offset from a fully-Downloaded
// piece. download.Manager implements this by reading that piece's part
// file off disk.
type PieceSource interface {
	ReadPiece(index, offset, length int) ([]byte, error)
}

// ShutdownSignal is what the Upload Manager writes to its control channel
// when it sees the terminal sentinel on its request channel, telling the
// Listener to stop accepting new connections.
type ShutdownSignal struct{}

// Manager owns the serve-request channel and a reference to the local
// bitfield; it never initiates connections, it only answers requests
// peers' Connections forward to it.
type Manager struct {
	bf       *bitfield.Bitfield
	source   PieceSource
	requests <-chan peer.ServeRequest
	control  chan<- ShutdownSignal
	events   ui.Sink
	log      *logrus.Entry
}

// New builds an Upload Manager. control may be nil if nothing needs the
// shutdown signal (e.g. a client running without an inbound Listener).
func New(bf *bitfield.Bitfield, source PieceSource, requests <-chan peer.ServeRequest, control chan<- ShutdownSignal, events ui.Sink, log *logrus.Entry) *Manager {
	return &Manager{bf: bf, source: source, requests: requests, control: control, events: events, log: log}
}

// Run drains the request channel until the terminal sentinel
// (PieceIndex < 0) arrives, then forwards a ShutdownSignal to the
// Listener's control channel and returns.
func (m *Manager) Run() {
	for req := range m.requests {
		if req.PieceIndex < 0 {
			if m.control != nil {
				m.control <- ShutdownSignal{}
			}
			return
		}
		m.serve(req)
	}
}

func (m *Manager) serve(req peer.ServeRequest) {
	if m.bf.Get(req.PieceIndex) != bitfield.Downloaded {
		// Don't leak state about pieces we don't actually have yet.
		return
	}

	block, err := m.source.ReadPiece(req.PieceIndex, req.Begin, req.Length)
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).WithField("piece", req.PieceIndex).Warn("upload: failed reading piece for serve")
		}
		return
	}

	start := time.Now()
	if err := req.Conn.ReplyPiece(req.PieceIndex, req.Begin, block); err != nil {
		if m.log != nil {
			m.log.WithError(err).WithField("piece", req.PieceIndex).Warn("upload: failed writing piece back")
		}
		return
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	if m.events != nil {
		m.events <- ui.Event{
			Kind:        ui.UploadSpeed,
			At:          time.Now(),
			PieceIndex:  req.PieceIndex,
			BytesPerSec: float64(len(block)) / elapsed.Seconds(),
		}
	}
}
