package bencode

import "fmt"

// MalformedInput is returned by Decode when the input stream cannot be
// parsed: unexpected bytes, truncation, or a non-digit where a string
// length was expected.
type MalformedInput struct {
	Offset int
	Reason string
}

func (e *MalformedInput) Error() string {
	return fmt.Sprintf("bencode: malformed input at offset %d: %s", e.Offset, e.Reason)
}

func malformed(offset int, reason string) error {
	return &MalformedInput{Offset: offset, Reason: reason}
}
