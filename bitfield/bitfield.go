// Package bitfield owns the local per-piece status array: the core shared
// resource download workers, the listener, and the upload manager all read
// and mutate concurrently.
package bitfield

import "sync"

// Status is one of the three states a piece slot may hold.
type Status uint8

const (
	NotDownloaded Status = iota
	Downloading
	Downloaded
)

// Bitfield is an array of N independently lockable piece slots. A slot may
// move NotDownloaded -> Downloading -> Downloaded, or revert
// Downloading -> NotDownloaded when its worker fails to complete it.
// Downloaded is terminal for the lifetime of the session.
type Bitfield struct {
	mu     []sync.Mutex
	status []Status
}

// New allocates a Bitfield of n slots, all NotDownloaded.
func New(n int) *Bitfield {
	return &Bitfield{
		mu:     make([]sync.Mutex, n),
		status: make([]Status, n),
	}
}

// Len returns the number of slots.
func (b *Bitfield) Len() int { return len(b.status) }

// Get returns the current status of slot i without locking; safe for casual
// reads (progress reporting, assembly checks) where a racy snapshot is fine.
func (b *Bitfield) Get(i int) Status { return b.status[i] }

// TryMarkDownloading attempts to flip slot i from NotDownloaded to
// Downloading. It returns true if this caller won the race; false if the
// slot was already Downloading or Downloaded, or didn't need downloading.
func (b *Bitfield) TryMarkDownloading(i int) bool {
	b.mu[i].Lock()
	defer b.mu[i].Unlock()
	if b.status[i] != NotDownloaded {
		return false
	}
	b.status[i] = Downloading
	return true
}

// MarkDownloaded flips slot i to Downloaded. Called after SHA-1 verification
// succeeds and the piece has been handed to the persister.
func (b *Bitfield) MarkDownloaded(i int) {
	b.mu[i].Lock()
	defer b.mu[i].Unlock()
	b.status[i] = Downloaded
}

// MarkDownloadedDirect sets slot i straight to Downloaded without going
// through Downloading, used at startup when the disk scan finds an
// already-complete piece file.
func (b *Bitfield) MarkDownloadedDirect(i int) {
	b.mu[i].Lock()
	defer b.mu[i].Unlock()
	b.status[i] = Downloaded
}

// Revert flips a Downloading slot back to NotDownloaded; called when the
// worker holding it fails mid-fetch. It is a no-op on a Downloaded slot,
// preserving the terminal invariant.
func (b *Bitfield) Revert(i int) {
	b.mu[i].Lock()
	defer b.mu[i].Unlock()
	if b.status[i] == Downloading {
		b.status[i] = NotDownloaded
	}
}

// AllDownloaded reports whether every slot has reached Downloaded.
func (b *Bitfield) AllDownloaded() bool {
	for i := range b.status {
		if b.status[i] != Downloaded {
			return false
		}
	}
	return true
}

// CountDownloaded returns how many slots are Downloaded.
func (b *Bitfield) CountDownloaded() int {
	n := 0
	for i := range b.status {
		if b.status[i] == Downloaded {
			n++
		}
	}
	return n
}

// SelectBatch tries to claim up to max indices that are NotDownloaded and
// present in have (have(i) reports whether the remote peer advertises piece
// i). Claimed indices flip to Downloading atomically, one slot-lock at a
// time; a loser of a concurrent try-lock race simply skips that index. The
// returned slice may be shorter than max, including empty when the peer has
// nothing we still need.
func (b *Bitfield) SelectBatch(max int, have func(i int) bool) []int {
	var picked []int
	for i := 0; i < len(b.status) && len(picked) < max; i++ {
		if b.Get(i) != NotDownloaded {
			continue
		}
		if !have(i) {
			continue
		}
		if b.TryMarkDownloading(i) {
			picked = append(picked, i)
		}
	}
	return picked
}

// Pack returns the wire-form compact bit-packed representation: ceil(N/8)
// bytes, MSB-first, piece i at bit i, 1 meaning Downloaded.
func (b *Bitfield) Pack() []byte {
	n := len(b.status)
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if b.status[i] == Downloaded {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}
