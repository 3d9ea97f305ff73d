// Package download implements the Download Manager: the worker pool that
// drives every piece of a torrent to Downloaded state, the persister task
// that flushes verified pieces to disk, and final assembly + re-verification
// of the completed file. It is the direct descendant of the teacher's
// torrent.Torrent/Download, rebuilt on the bitfield and peer packages and
// generalized to the full selection/fetch/verify/publish cycle.
package download

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gorent/bitfield"
	"gorent/peer"
	"gorent/torrentfile"
	"gorent/ui"
	"gorent/wire"
)

// Tunables fixed by the worker-pool and piece-fetch design.
const (
	MaxWorkers        = 50
	MaxPiecesPerBatch = 10
	ChunkSize         = 16384
	LivenessInterval  = 10 * time.Second
	AssemblyGroupSize = 20
)

type pieceResult struct {
	index int
	data  []byte
}

const endOfPieces = -1

// Manager owns one torrent's download: the local bitfield, the pool of
// per-peer workers driving it toward completion, and the persister that
// writes verified pieces to disk.
type Manager struct {
	tf      *torrentfile.TorrentFile
	bf      *bitfield.Bitfield
	localID [20]byte
	outDir  string
	events  ui.Sink
	log     *logrus.Entry
	serveCh chan<- peer.ServeRequest

	pieces chan pieceResult
	active atomic.Int32

	peers   []peer.Addr
	peerIdx atomic.Int64
}

// New builds a Manager for tf, scanning outDir's parts directory to resume
// any pieces already on disk.
func New(tf *torrentfile.TorrentFile, outDir string, localID [20]byte, events ui.Sink, log *logrus.Entry, serveCh chan<- peer.ServeRequest) (*Manager, error) {
	m := &Manager{
		tf:      tf,
		bf:      bitfield.New(tf.NumPieces()),
		localID: localID,
		outDir:  outDir,
		events:  events,
		log:     log,
		serveCh: serveCh,
		pieces:  make(chan pieceResult),
	}
	if err := os.MkdirAll(m.partsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("download: creating parts dir: %w", err)
	}
	if err := m.scanDisk(); err != nil {
		return nil, err
	}
	return m, nil
}

// Bitfield exposes the manager's local bitfield, e.g. for the Listener to
// pack and send on handshake.
func (m *Manager) Bitfield() *bitfield.Bitfield { return m.bf }

// ReadPiece reads length bytes at offset from piece index's on-disk part
// file, satisfying upload.PieceSource for the Upload Manager's serve path.
func (m *Manager) ReadPiece(index, offset, length int) ([]byte, error) {
	f, err := os.Open(m.pieceFilePath(index))
	if err != nil {
		return nil, fmt.Errorf("download: opening piece %d for read: %w", index, err)
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("download: reading piece %d at %d: %w", index, offset, err)
	}
	return buf, nil
}

func (m *Manager) partsDir() string {
	return filepath.Join(m.outDir, "."+m.tf.OutputName()+".parts")
}

func (m *Manager) pieceFilePath(index int) string {
	return filepath.Join(m.partsDir(), fmt.Sprintf("piece_%d", index))
}

// scanDisk marks any piece whose part file already exists with the correct
// length as Downloaded, supporting resume across restarts.
func (m *Manager) scanDisk() error {
	for i := 0; i < m.tf.NumPieces(); i++ {
		info, err := os.Stat(m.pieceFilePath(i))
		if err != nil {
			continue
		}
		if info.Size() == m.tf.PieceLen(i) {
			m.bf.MarkDownloadedDirect(i)
		}
	}
	return nil
}

func (m *Manager) emit(ev ui.Event) {
	if m.events == nil {
		return
	}
	ev.At = time.Now()
	m.events <- ev
}

// Run drives the swarm until every piece is Downloaded, assembles the final
// output file, and re-verifies it. peers is the initial candidate address
// list returned by the tracker; it is also the pool the liveness poller
// cycles through when worker count drops to zero.
func (m *Manager) Run(ctx context.Context, peers []peer.Addr) error {
	m.peers = peers

	m.emit(ui.Event{
		Kind:        ui.TotalSize,
		TotalPieces: m.tf.NumPieces(),
		DonePieces:  m.bf.CountDownloaded(),
		TotalBytes:  m.tf.Length,
	})

	persisterDone := make(chan error, 1)
	go func() { persisterDone <- m.runPersister() }()

	workerErrs := make(chan error, MaxWorkers*4)
	initial := MaxWorkers
	if len(peers) < initial {
		initial = len(peers)
	}
	for i := 0; i < initial; i++ {
		m.spawnWorker(ctx, peers[i%len(peers)], workerErrs)
	}

	if err := m.superviseUntilComplete(ctx, workerErrs); err != nil {
		return err
	}

	// Terminal sentinels: stop the Upload Manager (which forwards a stop
	// token to the Listener), then stop the persister.
	if m.serveCh != nil {
		m.serveCh <- peer.ServeRequest{PieceIndex: endOfPieces}
	}
	m.pieces <- pieceResult{index: endOfPieces}
	if err := <-persisterDone; err != nil {
		return err
	}

	if err := m.assemble(); err != nil {
		return err
	}
	m.emit(ui.Event{Kind: ui.Completed})
	return nil
}

// superviseUntilComplete polls every LivenessInterval; if every worker has
// exited while pieces remain outstanding, it spawns one replacement from
// the peer pool. It returns once the bitfield is entirely Downloaded.
func (m *Manager) superviseUntilComplete(ctx context.Context, workerErrs chan error) error {
	ticker := time.NewTicker(LivenessInterval)
	defer ticker.Stop()
	for {
		if m.bf.AllDownloaded() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-workerErrs:
			if m.log != nil && err != nil {
				m.log.WithError(err).Debug("worker exited")
			}
		case <-ticker.C:
			if m.active.Load() == 0 && len(m.peers) > 0 {
				next := m.peers[int(m.peerIdx.Add(1)-1)%len(m.peers)]
				m.spawnWorker(ctx, next, workerErrs)
			}
		}
	}
}

func (m *Manager) spawnWorker(ctx context.Context, addr peer.Addr, errs chan<- error) {
	m.active.Add(1)
	go func() {
		defer m.active.Add(-1)
		err := m.runWorker(ctx, addr)
		select {
		case errs <- err:
		default:
		}
	}()
}

// runWorker implements the per-worker protocol of spec §4.3: handshake,
// wait for bitfield, announce unchoke+interested, wait for unchoke, then
// loop the piece-fetch cycle until the peer has nothing left we need.
func (m *Manager) runWorker(ctx context.Context, addr peer.Addr) error {
	conn, err := peer.Dial(addr, m.localID, m.tf.InfoHash, m.serveCh)
	if err != nil {
		return err
	}
	defer conn.Close()
	m.emit(ui.Event{Kind: ui.PeerConnected, PeerAddr: addr.String()})
	defer m.emit(ui.Event{Kind: ui.PeerDisconnected, PeerAddr: addr.String()})

	for {
		msg, err := conn.ReadDetectMessage()
		if err != nil {
			return err
		}
		if msg.ID == wire.Bitfield {
			break
		}
	}

	if err := conn.SendUnchoke(); err != nil {
		return err
	}
	if err := conn.SendInterested(); err != nil {
		return err
	}

	for conn.PeerChoking {
		msg, err := conn.ReadDetectMessage()
		if err != nil {
			return err
		}
		if msg.ID == wire.Choke {
			return &peer.PeerChokedBeforeRequest{Addr: addr.String()}
		}
	}

	for {
		batch := m.bf.SelectBatch(MaxPiecesPerBatch, conn.Bitfield.Has)
		if len(batch) == 0 {
			return nil
		}
		for pos, index := range batch {
			if err := m.fetchPiece(conn, index); err != nil {
				// Release every slot this batch still holds, not just the
				// failed one, so other workers can claim them.
				for _, held := range batch[pos:] {
					m.bf.Revert(held)
				}
				return err
			}
		}
	}
}

// fetchPiece downloads, verifies and publishes one piece over conn.
func (m *Manager) fetchPiece(conn *peer.Connection, index int) error {
	length := int(m.tf.PieceLen(index))
	buf := make([]byte, length)

	for begin := 0; begin < length; {
		chunkLen := ChunkSize
		if length-begin < chunkLen {
			chunkLen = length - begin
		}
		if err := conn.RequestChunk(index, begin, chunkLen); err != nil {
			return err
		}

		// Read frames until the requested piece chunk arrives, tolerating
		// interleaved `have` messages (already applied by
		// ReadDetectMessage); a choke mid-fetch aborts this piece.
		for {
			msg, err := conn.ReadDetectMessage()
			if err != nil {
				return err
			}
			if msg.ID == wire.Choke {
				return fmt.Errorf("download: piece %d: peer %s choked mid-fetch", index, conn.Addr())
			}
			if msg.ID != wire.Piece {
				continue
			}
			offset, block, err := wire.ParsePiece(*msg, index)
			if err != nil {
				return err
			}
			copy(buf[offset:], block)
			begin += len(block)
			break
		}
	}

	hash := sha1.Sum(buf)
	if hash != m.tf.PieceHashes[index] {
		return &HashMismatch{Index: index}
	}

	m.pieces <- pieceResult{index: index, data: buf}
	m.bf.MarkDownloaded(index)
	_ = conn.SendHave(index)
	m.emit(ui.Event{Kind: ui.PieceVerified, PieceIndex: index, DonePieces: m.bf.CountDownloaded()})
	return nil
}

func (m *Manager) runPersister() error {
	for res := range m.pieces {
		if res.index == endOfPieces {
			return nil
		}
		if err := writeFileSync(m.pieceFilePath(res.index), res.data); err != nil {
			return fmt.Errorf("download: persisting piece %d: %w", res.index, err)
		}
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// assemble concatenates every piece file into the final output, buffered in
// groups of AssemblyGroupSize pieces with a flush between groups, then
// re-reads the assembled file piece-by-piece and re-verifies every hash.
func (m *Manager) assemble() error {
	outPath := filepath.Join(m.outDir, m.tf.OutputName())
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("download: creating output file: %w", err)
	}
	defer out.Close()

	for groupStart := 0; groupStart < m.tf.NumPieces(); groupStart += AssemblyGroupSize {
		groupEnd := groupStart + AssemblyGroupSize
		if groupEnd > m.tf.NumPieces() {
			groupEnd = m.tf.NumPieces()
		}
		for i := groupStart; i < groupEnd; i++ {
			data, err := os.ReadFile(m.pieceFilePath(i))
			if err != nil {
				return fmt.Errorf("download: reading piece %d for assembly: %w", i, err)
			}
			if _, err := out.Write(data); err != nil {
				return fmt.Errorf("download: writing piece %d: %w", i, err)
			}
		}
		if err := out.Sync(); err != nil {
			return fmt.Errorf("download: flushing assembly group at %d: %w", groupStart, err)
		}
	}

	return m.reverify(outPath)
}

func (m *Manager) reverify(outPath string) error {
	f, err := os.Open(outPath)
	if err != nil {
		return fmt.Errorf("download: reopening assembled file: %w", err)
	}
	defer f.Close()

	for i := 0; i < m.tf.NumPieces(); i++ {
		length := m.tf.PieceLen(i)
		buf := make([]byte, length)
		if _, err := io.ReadFull(f, buf); err != nil {
			return fmt.Errorf("download: reading assembled piece %d: %w", i, err)
		}
		if sha1.Sum(buf) != m.tf.PieceHashes[i] {
			return &AssemblyCorrupt{Index: i}
		}
	}
	return nil
}
