// Command gorent-tracker runs the tracker service, taking the path to its
// JSON state file as its sole argument. It wires tracker/state's
// DataManager to tracker/httpd's accept loop, grounded on the original
// Tracker binary's app.rs/controller.rs wiring.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"gorent/logging"
	"gorent/tracker/httpd"
	"gorent/tracker/state"
)

// ListenAddr is the tracker's fixed bind address; spec §6 names only the
// state-file path as a CLI argument, so the port is not configurable here.
const ListenAddr = ":8080"

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: gorent-tracker <state-file-path>")
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "gorent-tracker:", err)
		os.Exit(1)
	}
}

func run(statePath string) error {
	log := logging.New(os.Stderr, logrus.InfoLevel)
	entry := logging.Component(log, "tracker")

	dm, err := state.Open(statePath, entry)
	if err != nil {
		return err
	}
	defer dm.Close()

	ln, err := httpd.New(ListenAddr, dm.State(), entry)
	if err != nil {
		return err
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		ln.Close()
	}()

	go dm.Run(ctx)

	entry.WithField("addr", ln.Addr().String()).Info("tracker listening")
	return ln.Serve()
}
