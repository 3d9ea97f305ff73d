package wire

import (
	"bytes"
	"io"
)

const protocolName = "BitTorrent protocol"

// Handshake is the fixed 68-byte frame exchanged before any post-handshake
// message: `<1 byte pstrlen><pstr><8 reserved><20-byte info-hash><20-byte peer-id>`.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes the handshake to its wire form.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(protocolName))
	cursor := 0
	buf[cursor] = byte(len(protocolName))
	cursor++
	cursor += copy(buf[cursor:], protocolName)
	cursor += 8 // reserved, left zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads a handshake frame from r without validating it against
// an expected info-hash; callers compare via Handshake.Verify.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, truncated("reading handshake pstrlen", err)
	}
	pstrlen := int(lenBuf[0])

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, truncated("reading handshake body", err)
	}

	if pstrlen != len(protocolName) || string(rest[:pstrlen]) != protocolName {
		return Handshake{}, &HandshakeMismatch{Reason: "unexpected protocol string"}
	}

	var h Handshake
	cursor := pstrlen + 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}

// Verify checks that h carries the expected info-hash, returning
// *HandshakeMismatch on disagreement.
func (h Handshake) Verify(expectedInfoHash [20]byte) error {
	if !bytes.Equal(h.InfoHash[:], expectedInfoHash[:]) {
		return &HandshakeMismatch{Reason: "info-hash does not match"}
	}
	return nil
}
