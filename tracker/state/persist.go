package state

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// jsonPeerEntry mirrors PeerEntry for JSON encoding; info-hash bytes that
// don't round-trip as UTF-8 need no special handling here since PeerEntry
// holds no byte slices, but Torrent.InfoHash does - see jsonTorrent.
type jsonPeerEntry struct {
	ID         string `json:"id"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Uploaded   int64  `json:"uploaded"`
	Downloaded int64  `json:"downloaded"`
	Left       int64  `json:"left"`
	Connected  bool   `json:"connected"`
	Completed  bool   `json:"completed"`
	NumWant    int    `json:"numwant"`
	Compact    int    `json:"compact"`
	NoPeerID   int    `json:"no_peer_id"`
	Key        string `json:"key"`
	TrackerID  string `json:"tracker_id"`
}

// jsonTorrent pairs a hex-encoded info-hash with its peer list, the Go
// analog of the Rust implementation's Vec<(info_hash_bytes, Torrent)> -
// JSON object keys must be strings, so info-hash bytes are hex-encoded
// rather than kept as a raw byte string.
type jsonTorrent struct {
	InfoHash string          `json:"info_hash"`
	Peers    []jsonPeerEntry `json:"peers"`
}

type jsonHistoryBucket struct {
	State      HistoricalState `json:"state"`
	Timestamps []int64         `json:"timestamps"`
}

type jsonHistoricalPeers struct {
	InfoHash string              `json:"info_hash"`
	Buckets  []jsonHistoryBucket `json:"buckets"`
}

// jsonState is the on-disk shape, matching spec §6's persistent tracker
// state fields (torrents, historical_torrents, historical_peers,
// new_changes) with Go-idiomatic slices of structs standing in for the
// original's list-of-tuples encoding (encoding/json has no tuple type).
type jsonState struct {
	Torrents           []jsonTorrent         `json:"torrents"`
	HistoricalTorrents []int64               `json:"historical_torrents"`
	HistoricalPeers    []jsonHistoricalPeers `json:"historical_peers"`
	NewChanges         bool                  `json:"new_changes"`
}

// snapshot copies the full state under the lock into a JSON-serializable
// value, then releases the lock before the caller marshals/writes it - per
// spec §5's "JSON serialization reads a snapshot under the lock, then
// writes to disk outside it."
func (s *State) snapshot() jsonState {
	s.mu.Lock()
	defer s.mu.Unlock()

	js := jsonState{
		HistoricalTorrents: append([]int64(nil), s.historicalTorrents...),
		NewChanges:         s.dirty,
	}
	for hash, t := range s.torrents {
		jt := jsonTorrent{InfoHash: hex.EncodeToString(hash[:])}
		for _, p := range t.sortedPeers() {
			jt.Peers = append(jt.Peers, jsonPeerEntry(*p))
		}
		js.Torrents = append(js.Torrents, jt)
	}
	for hash, buckets := range s.historicalPeers {
		jhp := jsonHistoricalPeers{InfoHash: hex.EncodeToString(hash[:])}
		for state, timestamps := range buckets {
			jhp.Buckets = append(jhp.Buckets, jsonHistoryBucket{State: state, Timestamps: timestamps})
		}
		js.HistoricalPeers = append(js.HistoricalPeers, jhp)
	}
	return js
}

// MarshalJSON implements json.Marshaler over a lock-held snapshot.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.snapshot())
}

// Load builds a State from a previously-saved JSON snapshot; an empty
// reader yields a fresh empty state, per spec §4.7's "empty file yields
// fresh empty state."
func Load(r io.Reader) (*State, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("state: reading snapshot: %w", err)
	}
	if len(raw) == 0 {
		return New(), nil
	}

	var js jsonState
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("state: decoding snapshot: %w", err)
	}

	s := New()
	for _, jt := range js.Torrents {
		hash, err := decodeInfoHash(jt.InfoHash)
		if err != nil {
			return nil, err
		}
		t := newTorrent(hash)
		for _, jp := range jt.Peers {
			p := PeerEntry(jp)
			t.Peers[p.ID] = &p
		}
		s.torrents[hash] = t
	}
	s.historicalTorrents = append([]int64(nil), js.HistoricalTorrents...)
	for _, jhp := range js.HistoricalPeers {
		hash, err := decodeInfoHash(jhp.InfoHash)
		if err != nil {
			return nil, err
		}
		buckets := make(map[HistoricalState][]int64, len(jhp.Buckets))
		for _, b := range jhp.Buckets {
			buckets[b.State] = b.Timestamps
		}
		s.historicalPeers[hash] = buckets
	}
	s.dirty = js.NewChanges
	return s, nil
}

func decodeInfoHash(hexStr string) ([20]byte, error) {
	var hash [20]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 20 {
		return hash, fmt.Errorf("state: malformed info-hash %q in snapshot", hexStr)
	}
	copy(hash[:], raw)
	return hash, nil
}

// SnapshotInterval is the Data Manager's flush period (spec §4.7: "Every
// 10 seconds, if the dirty flag is set...").
const SnapshotInterval = 10 * time.Second

// DataManager owns the tracker state's on-disk JSON file, periodically
// flushing a snapshot when the dirty flag is set and performing a final
// save on shutdown. It is grounded on Tracker/src/data_manager.rs's
// DataManager::start/save_tracker/init_tracker.
type DataManager struct {
	state *State
	file  *os.File
	log   *logrus.Entry
}

// Open opens (creating if absent) path and loads its existing snapshot,
// returning a DataManager bound to the resulting State.
func Open(path string, log *logrus.Entry) (*DataManager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("state: opening %s: %w", path, err)
	}
	st, err := Load(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &DataManager{state: st, file: f, log: log}, nil
}

// State returns the DataManager's loaded State.
func (dm *DataManager) State() *State { return dm.state }

// Close performs a final save (if dirty) and closes the underlying file.
func (dm *DataManager) Close() error {
	if dm.state.Dirty() {
		if err := dm.save(); err != nil {
			dm.file.Close()
			return err
		}
	}
	return dm.file.Close()
}

// Run ticks every SnapshotInterval, saving a snapshot whenever the dirty
// flag is set, until ctx is cancelled.
func (dm *DataManager) Run(ctx context.Context) {
	ticker := time.NewTicker(SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !dm.state.Dirty() {
				continue
			}
			dm.state.ClearDirty()
			if err := dm.save(); err != nil {
				// Restore the flag so the next tick retries the flush.
				dm.state.MarkDirty()
				if dm.log != nil {
					dm.log.WithError(err).Warn("state: snapshot flush failed, retrying next tick")
				}
			}
		}
	}
}

func (dm *DataManager) save() error {
	data, err := json.Marshal(dm.state)
	if err != nil {
		return fmt.Errorf("state: marshaling snapshot: %w", err)
	}
	if _, err := dm.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("state: seeking snapshot file: %w", err)
	}
	if err := dm.file.Truncate(int64(len(data))); err != nil {
		return fmt.Errorf("state: truncating snapshot file: %w", err)
	}
	if _, err := dm.file.Write(data); err != nil {
		return fmt.Errorf("state: writing snapshot: %w", err)
	}
	return dm.file.Sync()
}
