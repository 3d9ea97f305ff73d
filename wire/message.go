// Package wire implements the peer wire protocol: the 68-byte handshake
// frame and the length-prefixed message frames exchanged after it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies the kind of a post-handshake message.
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single post-handshake frame. A keep-alive (zero-length
// frame, no id, no payload) is marked by an unexported flag; build one with
// KeepAlive and test for it with IsKeepAlive.
type Message struct {
	ID      ID
	Payload []byte

	keepAlive bool
}

// KeepAlive constructs the zero-length keep-alive frame.
func KeepAlive() Message { return Message{keepAlive: true} }

// IsKeepAlive reports whether m is a keep-alive frame.
func (m Message) IsKeepAlive() bool { return m.keepAlive }

// Serialize encodes m as `<4-byte length><1-byte id><payload>`, or a
// 4-byte zero length prefix for a keep-alive.
func (m Message) Serialize() []byte {
	if m.keepAlive {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads exactly one frame from r. A zero-length frame yields a
// keep-alive Message with no error. Truncated reads surface as
// *WireTruncated (wrapping the underlying io error).
func ReadMessage(r io.Reader) (Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return Message{}, truncated("reading length prefix", err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return KeepAlive(), nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, truncated("reading message body", err)
	}

	return Message{ID: ID(body[0]), Payload: body[1:]}, nil
}

// MakeHave builds a `have` message announcing piece index.
func MakeHave(index int) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return Message{ID: Have, Payload: payload}
}

// MakeRequest builds a `request` message for a chunk.
func MakeRequest(index, offset, length int) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(offset))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return Message{ID: Request, Payload: payload}
}

// MakeCancel builds a `cancel` message mirroring a prior request.
func MakeCancel(index, offset, length int) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(offset))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return Message{ID: Cancel, Payload: payload}
}

// MakePiece builds a `piece` message carrying block at (index, offset).
func MakePiece(index, offset int, block []byte) Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(offset))
	copy(payload[8:], block)
	return Message{ID: Piece, Payload: payload}
}

// MakeBitfield builds a `bitfield` message from already bit-packed bytes.
func MakeBitfield(packed []byte) Message {
	return Message{ID: Bitfield, Payload: packed}
}

// ParseRequest decodes a `request`/`cancel`-shaped payload.
func ParseRequest(m Message) (index, offset, length int, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: request payload must be 12 bytes, got %d", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	offset = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, offset, length, nil
}

// ParseHave decodes a `have` payload.
func ParseHave(m Message) (int, error) {
	if m.ID != Have {
		return 0, fmt.Errorf("wire: expected have, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("wire: have payload must be 4 bytes, got %d", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParsePiece decodes a `piece` payload's index, offset and block, validating
// that index matches wantIndex.
func ParsePiece(m Message, wantIndex int) (offset int, block []byte, err error) {
	if m.ID != Piece {
		return 0, nil, fmt.Errorf("wire: expected piece, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, nil, fmt.Errorf("wire: piece payload too short: %d bytes", len(m.Payload))
	}
	gotIndex := int(binary.BigEndian.Uint32(m.Payload[0:4]))
	if gotIndex != wantIndex {
		return 0, nil, fmt.Errorf("wire: piece index mismatch: want %d got %d", wantIndex, gotIndex)
	}
	offset = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	return offset, m.Payload[8:], nil
}
