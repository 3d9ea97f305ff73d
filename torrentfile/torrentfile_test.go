package torrentfile

import (
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gorent/bencode"
)

func buildTorrentBytes(t *testing.T, name string, pieceLength, length int64, pieceHashes [][20]byte) []byte {
	t.Helper()
	pieces := make([]byte, 0, 20*len(pieceHashes))
	for _, h := range pieceHashes {
		pieces = append(pieces, h[:]...)
	}
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.String([]byte(name)),
		"length":       bencode.Int(length),
		"piece length": bencode.Int(pieceLength),
		"pieces":       bencode.String(pieces),
	})
	root := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String([]byte("http://tracker.example/announce")),
		"info":     info,
	})
	return bencode.Encode(root)
}

func TestParseExtractsFields(t *testing.T) {
	h1 := sha1.Sum([]byte("piece-one-contents"))
	h2 := sha1.Sum([]byte("piece-two"))
	raw := buildTorrentBytes(t, "movie.mp4", 16384, 16384+9, [][20]byte{h1, h2})

	tf, err := Parse(strings.NewReader(string(raw)))
	require.NoError(t, err)
	require.Equal(t, "http://tracker.example/announce", tf.Announce)
	require.Equal(t, "movie.mp4", tf.Name)
	require.Equal(t, "movie", tf.OutputName())
	require.Equal(t, int64(16384), tf.PieceLength)
	require.Equal(t, int64(16384+9), tf.Length)
	require.Equal(t, 2, tf.NumPieces())
	require.Equal(t, h1, tf.PieceHashes[0])
	require.Equal(t, h2, tf.PieceHashes[1])
}

func TestPieceLenShortensFinalPiece(t *testing.T) {
	raw := buildTorrentBytes(t, "a.bin", 10, 25, [][20]byte{{}, {}, {}})
	tf, err := Parse(strings.NewReader(string(raw)))
	require.NoError(t, err)

	require.Equal(t, int64(10), tf.PieceLen(0))
	require.Equal(t, int64(10), tf.PieceLen(1))
	require.Equal(t, int64(5), tf.PieceLen(2))
}

func TestInfoHashIsStableUnderKeyOrder(t *testing.T) {
	raw := buildTorrentBytes(t, "x", 10, 10, [][20]byte{{1}})
	tf, err := Parse(strings.NewReader(string(raw)))
	require.NoError(t, err)
	require.NotEqual(t, [20]byte{}, tf.InfoHash)

	// The same info dictionary with its keys written out of order hashes
	// identically, since the info-hash is taken over the canonical
	// re-encoding.
	var piece [20]byte
	piece[0] = 1
	unordered := "d8:announce31:http://tracker.example/announce4:infod6:pieces20:" + string(piece[:]) +
		"4:name1:x12:piece lengthi10e6:lengthi10eee"
	tf2, err := Parse(strings.NewReader(unordered))
	require.NoError(t, err)
	require.Equal(t, tf.InfoHash, tf2.InfoHash)
}

func TestParseRejectsMisalignedPieces(t *testing.T) {
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.String([]byte("x")),
		"length":       bencode.Int(10),
		"piece length": bencode.Int(10),
		"pieces":       bencode.String([]byte("short")),
	})
	root := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String([]byte("http://t")),
		"info":     info,
	})
	_, err := Parse(strings.NewReader(string(bencode.Encode(root))))
	require.Error(t, err)
}
