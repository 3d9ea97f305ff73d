// Package client wires the per-torrent collaborators together into a
// runnable session: it announces to the tracker, starts the inbound
// Listener and Upload Manager, drives the Download Manager to completion,
// and re-announces on the tracker's interval until the download is done.
// It is the direct descendant of the teacher's main(), which does the same
// steps inline (parse torrent, request peers, build a Torrent, Download,
// save) without any of the re-announce, serving, or shutdown machinery
// spec §4 adds.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gorent/bitfield"
	"gorent/config"
	"gorent/download"
	"gorent/listener"
	"gorent/peer"
	"gorent/torrentfile"
	"gorent/trackerclient"
	"gorent/ui"
	"gorent/upload"
)

// DefaultInterval is the re-announce period used when a tracker omits a
// usable interval; see SPEC_FULL.md open question 4 (tracker interval
// defaults to 1800s).
const DefaultInterval = 1800 * time.Second

// Config is everything a Session needs that isn't read from the .torrent
// file itself: the listen port and output/parts directories from the
// client config file (spec §6), plus the collaborators the orchestrator
// wires together.
type Config struct {
	Port         uint16
	DownloadPath string
	LocalID      [20]byte
	Events       ui.Sink
	Log          *logrus.Logger
}

// FromConfigMap builds a Config from a parsed client config file, applying
// the "port"/"download_path" required keys from spec §6.
func FromConfigMap(cfg config.Map, localID [20]byte, events ui.Sink, log *logrus.Logger) (Config, error) {
	port, err := cfg.RequireInt("port")
	if err != nil {
		return Config{}, err
	}
	downloadPath, err := cfg.RequireString("download_path")
	if err != nil {
		return Config{}, err
	}
	return Config{
		Port:         uint16(port),
		DownloadPath: downloadPath,
		LocalID:      localID,
		Events:       events,
		Log:          log,
	}, nil
}

// Session owns one torrent's full lifecycle: tracker announces, the
// inbound Listener/Upload Manager pair, and the Download Manager.
type Session struct {
	tf  *torrentfile.TorrentFile
	cfg Config
	log *logrus.Entry
}

// New parses torrentPath and builds a Session ready to Run.
func New(torrentPath string, cfg Config) (*Session, error) {
	tf, err := torrentfile.Open(torrentPath)
	if err != nil {
		return nil, err
	}
	var logEntry *logrus.Entry
	if cfg.Log != nil {
		logEntry = cfg.Log.WithField("torrent", tf.Name)
	}
	return &Session{tf: tf, cfg: cfg, log: logEntry}, nil
}

// Run drives the session to completion: announce(started) -> download ->
// announce(completed), serving inbound requests the whole time. It
// returns once the assembled file has been verified, or the first fatal
// error: a failed initial announce, a listener bind failure, or a
// Download Manager failure (persister/assembly, per spec §7). A failed
// completed announce is only logged.
func (s *Session) Run(ctx context.Context) error {
	serveCh := make(chan peer.ServeRequest)
	control := make(chan upload.ShutdownSignal, 1)

	dm, err := download.New(s.tf, s.cfg.DownloadPath, s.cfg.LocalID, s.cfg.Events, s.log, serveCh)
	if err != nil {
		return err
	}

	announceResp, err := s.announce(trackerclient.Started, dm.Bitfield())
	if err != nil {
		return fmt.Errorf("client: initial announce: %w", err)
	}

	um := upload.New(dm.Bitfield(), dm, serveCh, control, s.cfg.Events, s.log)
	go um.Run()

	ln, err := listener.New(fmt.Sprintf(":%d", s.cfg.Port), s.tf.InfoHash, s.cfg.LocalID, dm.Bitfield(), serveCh, control, s.log)
	if err != nil {
		return fmt.Errorf("client: binding listener: %w", err)
	}
	defer ln.Close()
	go ln.Serve()

	reannounceCtx, stopReannounce := context.WithCancel(ctx)
	defer stopReannounce()
	go s.reannounceLoop(reannounceCtx, announceResp, dm.Bitfield())

	if err := dm.Run(ctx, announceResp.Peers); err != nil {
		return err
	}
	stopReannounce()

	if _, err := s.announce(trackerclient.Completed, dm.Bitfield()); err != nil && s.log != nil {
		s.log.WithError(err).Warn("client: completed announce failed")
	}
	return nil
}

// reannounceLoop re-announces on the tracker-supplied interval (or
// DefaultInterval, when the tracker omitted one or reported nonpositive)
// until ctx is cancelled, refreshing the Download Manager's peer pool is
// intentionally not implemented here: the Manager's own liveness poller
// cycles the address list it already received. This loop exists purely to
// keep the tracker's peer count for this torrent accurate.
func (s *Session) reannounceLoop(ctx context.Context, last *trackerclient.Response, bf *bitfield.Bitfield) {
	interval := DefaultInterval
	if last != nil && last.Interval > 0 {
		interval = time.Duration(last.Interval) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.announce(trackerclient.Empty, bf); err != nil && s.log != nil {
				s.log.WithError(err).Debug("client: periodic re-announce failed")
			}
		}
	}
}

func (s *Session) announce(event trackerclient.Event, bf *bitfield.Bitfield) (*trackerclient.Response, error) {
	left := s.tf.Length - int64(bf.CountDownloaded())*s.tf.PieceLength
	if left < 0 {
		left = 0
	}
	resp, err := trackerclient.Announce(trackerclient.Request{
		AnnounceURL: s.tf.Announce,
		InfoHash:    s.tf.InfoHash,
		PeerID:      s.cfg.LocalID,
		Port:        s.cfg.Port,
		Left:        left,
		Event:       event,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
