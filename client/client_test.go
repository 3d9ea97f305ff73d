package client

import (
	"context"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gorent/bencode"
	"gorent/torrentfile"
	"gorent/wire"
)

// fakeSeeder serves one single-piece torrent over the peer wire protocol,
// mirroring download.fakeSeeder but kept local to avoid reaching into
// another package's test file.
func fakeSeeder(t *testing.T, infoHash [20]byte, content []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		remote, err := wire.ReadHandshake(conn)
		if err != nil || remote.InfoHash != infoHash {
			return
		}
		local := wire.Handshake{InfoHash: infoHash, PeerID: [20]byte{9}}
		conn.Write(local.Serialize())
		conn.Write(wire.MakeBitfield([]byte{0b10000000}).Serialize())

		for {
			msg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			switch msg.ID {
			case wire.Interested:
				conn.Write(wire.Message{ID: wire.Unchoke}.Serialize())
			case wire.Request:
				index, offset, length, err := wire.ParseRequest(msg)
				if err != nil {
					return
				}
				block := content[offset : offset+length]
				conn.Write(wire.MakePiece(index, offset, block).Serialize())
			}
		}
	}()
	return ln.Addr().String()
}

// fakeTracker answers every announce (regardless of event) with a compact
// single-peer response pointing at seederAddr.
func fakeTracker(t *testing.T, seederAddr string) string {
	t.Helper()
	host, portStr, err := net.SplitHostPort(seederAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	ip := net.ParseIP(host).To4()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	compact := []byte{ip[0], ip[1], ip[2], ip[3], byte(port >> 8), byte(port)}
	respVal := bencode.Dict(map[string]bencode.Value{
		"interval": bencode.Int(3600),
		"peers":    bencode.String(compact),
	})
	body := bencode.Encode(respVal)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				c.Read(buf)
				c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n"))
				c.Write(body)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func buildTorrentFile(t *testing.T, dir string, announce string, content []byte) string {
	t.Helper()
	hash := sha1.Sum(content)
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.String([]byte("out.bin")),
		"length":       bencode.Int(int64(len(content))),
		"piece length": bencode.Int(int64(len(content))),
		"pieces":       bencode.String(hash[:]),
	})
	root := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String([]byte(announce)),
		"info":     info,
	})
	path := filepath.Join(dir, "test.torrent")
	require.NoError(t, os.WriteFile(path, bencode.Encode(root), 0o644))
	return path
}

func TestSessionRunsAnnounceDownloadAndCompletes(t *testing.T) {
	content := make([]byte, 16384)
	for i := range content {
		content[i] = byte(i)
	}

	dir := t.TempDir()
	// A first pass builds the .torrent with an empty announce URL purely
	// to compute its info-hash (needed by fakeSeeder before the tracker,
	// whose address the real .torrent must embed, even exists).
	probePath := buildTorrentFile(t, dir, "", content)
	tf, err := torrentfile.Open(probePath)
	require.NoError(t, err)

	seederAddr := fakeSeeder(t, tf.InfoHash, content)
	trackerAddr := fakeTracker(t, seederAddr)
	torrentPath := buildTorrentFile(t, dir, "http://"+trackerAddr+"/announce", content)

	downloadDir := t.TempDir()
	sess, err := New(torrentPath, Config{
		Port:         0,
		DownloadPath: downloadDir,
		LocalID:      [20]byte{7},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	require.NoError(t, sess.Run(ctx))

	got, err := os.ReadFile(filepath.Join(downloadDir, "out"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}
