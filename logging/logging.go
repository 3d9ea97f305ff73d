// Package logging provides the one log sink shared by every goroutine in
// both the client and tracker processes: download workers, the persister,
// the listener, the upload manager, the tracker's announce handler and its
// data manager. Writes are serialized by logrus's own internal lock, so
// callers never need a lock of their own (per spec §5's shared log sink).
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger writing to w at the given level. Passing a
// nil w defaults to os.Stderr, matching the teacher's SetVerbose(v bool)
// toggle generalized to a real leveled logger.
func New(w io.Writer, level logrus.Level) *logrus.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Component returns a logger scoped with a "component" field, mirroring the
// original source's per-subsystem log tags ([DOWNLOAD], [UPLOAD], [TRACKER]).
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
