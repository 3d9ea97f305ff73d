// Command gorent-client runs a single torrent download, taking the path to
// a torrent directory as its sole argument: the directory must contain
// exactly one `.torrent` file and a `config` file. It is the CLI
// entrypoint grounded on the teacher's main(), generalized from a
// parse-peers-download-save script into an orchestrator over client.Session.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"gorent/client"
	"gorent/config"
	"gorent/logging"
	"gorent/trackerclient"
	"gorent/ui"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: gorent-client <torrent-directory>")
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "gorent-client:", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	cfgMap, err := config.ParseFile(filepath.Join(dir, "config"))
	if err != nil {
		return err
	}

	torrentPath, err := findTorrentFile(dir)
	if err != nil {
		return err
	}

	level := logrus.InfoLevel
	if cfgMap.OptionalInt("log_level", 0) > 0 {
		level = logrus.DebugLevel
	}
	logPath, err := cfgMap.RequireString("log_path")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(logPath, 0o755); err != nil {
		return fmt.Errorf("gorent-client: creating log path: %w", err)
	}
	logFile, err := os.Create(filepath.Join(logPath, "client.log"))
	if err != nil {
		return fmt.Errorf("gorent-client: creating log file: %w", err)
	}
	defer logFile.Close()
	log := logging.New(logFile, level)

	localID := trackerclient.GeneratePeerID()

	events := make(chan ui.Event, 64)
	reporter := ui.NewReporter(os.Stdout)
	go reporter.Run(events)

	cfg, err := client.FromConfigMap(cfgMap, localID, events, log)
	if err != nil {
		return err
	}

	sess, err := client.New(torrentPath, cfg)
	if err != nil {
		return err
	}

	return sess.Run(context.Background())
}

func findTorrentFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("gorent-client: reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".torrent" {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("gorent-client: no .torrent file found in %s", dir)
}
