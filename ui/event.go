// Package ui defines the one-way channel of tagged events the Download and
// Upload Managers publish toward the (out of scope) GUI dashboard, plus a
// minimal CLI Reporter that is the only concrete consumer this repository
// ships. The GUI itself is an external collaborator per spec §1; ui.Event
// and ui.Reporter are the named interface it plugs into.
package ui

import "time"

// Kind tags the shape of an Event's payload, reproducing the tagged event
// set from the original implementation's UI update codes (downloaded/active
// connections/total size/unchoke/verified pieces/speed/...).
type Kind uint8

const (
	TotalSize Kind = iota
	PeerConnected
	PeerDisconnected
	ConnectionDropped
	UnchokeReceived
	InterestReceived
	PieceVerified
	DownloadSpeed
	UploadSpeed
	Completed
	Error
)

// Event is a single tagged update sent over the UI channel.
type Event struct {
	Kind Kind
	At   time.Time

	// Populated depending on Kind; zero-valued fields are simply unused.
	PieceIndex   int
	PeerAddr     string
	TotalBytes   int64
	BytesPerSec  float64
	TotalPieces  int
	DonePieces   int
	Err          error
}

// Sink is the one-way channel the Download/Upload Managers publish onto.
// The managers use a plain blocking send (the client CLI creates a 64-slot
// buffered channel), so a slow consumer delays publication once the buffer
// is full; Reporter.Run drains promptly.
type Sink chan<- Event
