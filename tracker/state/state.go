// Package state implements the Tracker State data model: the info-hash to
// Torrent map, the historical audit trails, the dirty flag, and the
// Data Manager that periodically flushes a JSON snapshot to disk. It is
// grounded on the original Rust implementation's Tracker/Torrent/Peer/
// DataManager types (Tracker/src/tracker.rs, torrent.rs, peer.rs,
// data_manager.rs), which spec.md's distillation only gestures at via
// "Tracker State" in §3 and §4.7 — this package supplies the full model.
package state

import (
	"fmt"
	"sort"
	"sync"
)

// PeerEntry is one peer's announced state within a single torrent's swarm.
type PeerEntry struct {
	ID         string
	IP         string
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Connected  bool
	Completed  bool
	NumWant    int
	Compact    int
	NoPeerID   int
	Key        string
	TrackerID  string
}

// Torrent is one info-hash's swarm: every peer entry seen for it.
type Torrent struct {
	InfoHash [20]byte
	Peers    map[string]*PeerEntry
}

func newTorrent(infoHash [20]byte) *Torrent {
	return &Torrent{InfoHash: infoHash, Peers: make(map[string]*PeerEntry)}
}

// Complete returns the number of peers in the torrent whose Completed flag
// is set.
func (t *Torrent) Complete() int {
	n := 0
	for _, p := range t.Peers {
		if p.Completed {
			n++
		}
	}
	return n
}

// Incomplete returns the remaining peer count.
func (t *Torrent) Incomplete() int {
	return len(t.Peers) - t.Complete()
}

// sortedPeers returns every peer entry ordered by ID, giving a stable
// iteration order within a single response per spec §4.7.
func (t *Torrent) sortedPeers() []*PeerEntry {
	ids := make([]string, 0, len(t.Peers))
	for id := range t.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	peers := make([]*PeerEntry, len(ids))
	for i, id := range ids {
		peers[i] = t.Peers[id]
	}
	return peers
}

// PeerList returns up to limit peers (0 means unlimited) in stable order.
func (t *Torrent) PeerList(limit int) []*PeerEntry {
	peers := t.sortedPeers()
	if limit > 0 && len(peers) > limit {
		peers = peers[:limit]
	}
	return peers
}

// HistoricalState tags which timestamp bucket an announce falls into,
// mirroring the "completed | connected | stopped" derivation spec §4.7
// describes.
type HistoricalState string

const (
	HistoryCompleted HistoricalState = "completed"
	HistoryConnected HistoricalState = "connected"
	HistoryStopped   HistoricalState = "stopped"
)

// State is the tracker's full in-memory state: guarded by a single mutex,
// per spec §5's "tracker state: guarded by one lock; all mutations happen
// under it; JSON serialization reads a snapshot under the lock, then
// writes to disk outside it."
type State struct {
	mu sync.Mutex

	torrents           map[[20]byte]*Torrent
	historicalTorrents []int64
	historicalPeers    map[[20]byte]map[HistoricalState][]int64
	dirty              bool
}

// New builds an empty State.
func New() *State {
	return &State{
		torrents:        make(map[[20]byte]*Torrent),
		historicalPeers: make(map[[20]byte]map[HistoricalState][]int64),
	}
}

// EnsureTorrent returns the Torrent for infoHash, creating it (and its
// historical-peer bucket) if this is the first time it's been seen, per
// spec §4.7's "If the info-hash is new, create a Torrent and an empty
// historical-peer record for it, recording the creation timestamp."
func (s *State) EnsureTorrent(infoHash [20]byte, now int64) *Torrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[infoHash]
	if ok {
		return t
	}
	t = newTorrent(infoHash)
	s.torrents[infoHash] = t
	s.historicalTorrents = append(s.historicalTorrents, now)
	s.historicalPeers[infoHash] = make(map[HistoricalState][]int64)
	s.dirty = true
	return t
}

// Torrent looks up an existing torrent without creating one.
func (s *State) Torrent(infoHash [20]byte) (*Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[infoHash]
	return t, ok
}

// UnknownPeer is returned when an announce with event=stopped names a
// peer-id the torrent has never seen, per spec §4.7's "if event == stopped
// on first sight, reject... (do not create)."
type UnknownPeer struct {
	PeerID string
}

func (e *UnknownPeer) Error() string {
	return fmt.Sprintf("state: peer %q sent a stopped event without ever announcing started", e.PeerID)
}

// UpsertPeer returns a torrent's peer entry, creating it on first sight
// (rejecting a first sighting whose event is "stopped"), matching
// Torrent::update_peer's create-vs-update split. It changes no field of an
// existing entry: the caller fills the fields in via the returned entry.
func (s *State) UpsertPeer(infoHash [20]byte, peerID string, connectedOnCreate bool) (*PeerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[infoHash]
	if !ok {
		t = newTorrent(infoHash)
		s.torrents[infoHash] = t
	}
	p, exists := t.Peers[peerID]
	if !exists {
		if !connectedOnCreate {
			return nil, &UnknownPeer{PeerID: peerID}
		}
		p = &PeerEntry{ID: peerID}
		t.Peers[peerID] = p
	}
	s.dirty = true
	return p, nil
}

// RecordHistory appends now to infoHash's timestamp bucket for state.
func (s *State) RecordHistory(infoHash [20]byte, history HistoricalState, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets, ok := s.historicalPeers[infoHash]
	if !ok {
		buckets = make(map[HistoricalState][]int64)
		s.historicalPeers[infoHash] = buckets
	}
	buckets[history] = append(buckets[history], now)
	s.dirty = true
}

// MarkDirty sets the dirty flag explicitly; UpsertPeer/EnsureTorrent/
// RecordHistory already do this, exposed for callers that mutate a
// returned *PeerEntry's fields directly (e.g. the optional-key setters the
// Announce Handler applies).
func (s *State) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// Dirty reports whether unsaved changes exist.
func (s *State) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// ClearDirty resets the dirty flag; called by the Data Manager right
// before it serializes a snapshot, per spec §4.7.
func (s *State) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// Counts returns (complete, incomplete) for infoHash, or (0, 0) if unknown.
func (s *State) Counts(infoHash [20]byte) (complete, incomplete int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[infoHash]
	if !ok {
		return 0, 0
	}
	return t.Complete(), t.Incomplete()
}

// PeerList returns up to limit peers of infoHash's swarm in stable order.
func (s *State) PeerList(infoHash [20]byte, limit int) []*PeerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[infoHash]
	if !ok {
		return nil
	}
	return t.PeerList(limit)
}
