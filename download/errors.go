package download

import "fmt"

// HashMismatch is returned when a fully-fetched piece's SHA-1 does not
// match the piece-hash array entry at its index.
type HashMismatch struct {
	Index int
}

func (e *HashMismatch) Error() string {
	return fmt.Sprintf("download: piece %d failed hash check", e.Index)
}

// AssemblyCorrupt is returned when the final re-verification pass over the
// assembled output file finds a piece that no longer matches its hash.
type AssemblyCorrupt struct {
	Index int
}

func (e *AssemblyCorrupt) Error() string {
	return fmt.Sprintf("download: assembled file failed re-verification at piece %d", e.Index)
}
