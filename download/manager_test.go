package download

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

	"gorent/bitfield"
	"gorent/peer"
	"gorent/torrentfile"
	"gorent/wire"
)

// fakeSeeder is a minimal scripted peer speaking just enough of the wire
// protocol to serve one single-piece torrent to a real Manager under test,
// standing in for the pack's original "mock peer" test helper.
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

func addrOf(t *testing.T, hostport string) peer.Addr {
	t.Helper()
	host, portStr, err := net.SplitHostPort(hostport)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return peer.Addr{IP: net.ParseIP(host).To4(), Port: uint16(port)}
}

func TestManagerDownloadsSinglePieceFromFakeSeeder(t *testing.T) {
	content := make([]byte, 16384)
	for i := range content {
		content[i] = byte(i)
	}
	hash := sha1.Sum(content)
	tf := &torrentfile.TorrentFile{
		Name:        "out.bin",
		PieceLength: 16384,
		Length:      16384,
		PieceHashes: [][20]byte{hash},
		InfoHash:    [20]byte{1, 2, 3},
	}

	seederAddr := fakeSeeder(t, tf.InfoHash, content)

	dir := t.TempDir()
	m, err := New(tf, dir, [20]byte{7}, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = m.Run(ctx, []peer.Addr{addrOf(t, seederAddr)})
	require.NoError(t, err)

	require.True(t, m.Bitfield().AllDownloaded())

	got, err := os.ReadFile(filepath.Join(dir, "out"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestScanDiskMarksExistingPiecesDownloaded(t *testing.T) {
	dir := t.TempDir()
	tf := &torrentfile.TorrentFile{
		Name:        "x.bin",
		PieceLength: 4,
		Length:      8,
		PieceHashes: [][20]byte{{1}, {2}},
		InfoHash:    [20]byte{5},
	}
	m, err := New(tf, dir, [20]byte{1}, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, bitfield.NotDownloaded, m.Bitfield().Get(0))

	require.NoError(t, os.WriteFile(m.pieceFilePath(0), []byte{1, 2, 3, 4}, 0o644))

	m2, err := New(tf, dir, [20]byte{1}, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, bitfield.Downloaded, m2.Bitfield().Get(0))
	require.Equal(t, bitfield.NotDownloaded, m2.Bitfield().Get(1))
}
