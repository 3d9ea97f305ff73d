// Package torrentfile is the thin metainfo-parser collaborator spec §1
// names as external: given a .torrent file, it delivers info-hash, piece
// hashes, piece length, total length, announce URL and file name. It
// contributes no design complexity of its own — it is a small adapter over
// the in-scope bencode package.
package torrentfile

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"gorent/bencode"
)

// TorrentFile is everything the rest of the system needs from a .torrent
// file: single-file torrents only, per spec §1 Non-goals.
type TorrentFile struct {
	Announce    string
	InfoHash    [20]byte
	PieceHashes [][20]byte
	PieceLength int64
	Length      int64
	Name        string
}

// Open reads and parses a .torrent file from path.
func Open(path string) (*TorrentFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("torrentfile: opening %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a .torrent file's bencoded contents from r.
func Parse(r io.Reader) (*TorrentFile, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("torrentfile: reading: %w", err)
	}

	root, _, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("torrentfile: decoding: %w", err)
	}
	dict, err := root.AsDict()
	if err != nil {
		return nil, fmt.Errorf("torrentfile: root is not a dictionary: %w", err)
	}

	announce, err := requireString(dict, "announce")
	if err != nil {
		return nil, err
	}

	infoVal, ok := dict["info"]
	if !ok {
		return nil, fmt.Errorf("torrentfile: missing \"info\" dictionary")
	}
	info, err := infoVal.AsDict()
	if err != nil {
		return nil, fmt.Errorf("torrentfile: \"info\" is not a dictionary: %w", err)
	}

	name, err := requireString(info, "name")
	if err != nil {
		return nil, err
	}
	pieceLength, err := requireInt(info, "piece length")
	if err != nil {
		return nil, err
	}
	length, err := requireInt(info, "length")
	if err != nil {
		return nil, err
	}
	piecesVal, ok := info["pieces"]
	if !ok {
		return nil, fmt.Errorf("torrentfile: missing \"pieces\"")
	}
	pieces, err := piecesVal.AsString()
	if err != nil {
		return nil, fmt.Errorf("torrentfile: \"pieces\" is not a byte string: %w", err)
	}
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("torrentfile: pieces length %d is not a multiple of 20", len(pieces))
	}

	numHashes := len(pieces) / 20
	hashes := make([][20]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], pieces[i*20:(i+1)*20])
	}

	// The canonical info-hash is the SHA-1 of the re-encoded info
	// dictionary, not bytes sliced out of the original file: Encode always
	// emits dictionary keys in lexicographic order, which is exactly the
	// canonical form BitTorrent info-hashes are defined over.
	infoHash := sha1.Sum(bencode.Encode(infoVal))

	return &TorrentFile{
		Announce:    announce,
		InfoHash:    infoHash,
		PieceHashes: hashes,
		PieceLength: pieceLength,
		Length:      length,
		Name:        name,
	}, nil
}

func requireString(dict map[string]bencode.Value, key string) (string, error) {
	v, ok := dict[key]
	if !ok {
		return "", fmt.Errorf("torrentfile: missing %q", key)
	}
	s, err := v.AsString()
	if err != nil {
		return "", fmt.Errorf("torrentfile: %q is not a byte string: %w", key, err)
	}
	return string(s), nil
}

func requireInt(dict map[string]bencode.Value, key string) (int64, error) {
	v, ok := dict[key]
	if !ok {
		return 0, fmt.Errorf("torrentfile: missing %q", key)
	}
	n, err := v.AsInt()
	if err != nil {
		return 0, fmt.Errorf("torrentfile: %q is not an integer: %w", key, err)
	}
	return n, nil
}

// NumPieces returns the piece count implied by PieceHashes.
func (t *TorrentFile) NumPieces() int { return len(t.PieceHashes) }

// PieceBounds returns the [begin, end) byte range of piece index within the
// assembled file. The final piece is shortened to fit Length when Length is
// not an exact multiple of PieceLength (SPEC_FULL §4 open-question #1).
func (t *TorrentFile) PieceBounds(index int) (begin, end int64) {
	begin = int64(index) * t.PieceLength
	end = begin + t.PieceLength
	if end > t.Length {
		end = t.Length
	}
	return begin, end
}

// PieceLen returns the exact length of piece index, accounting for a
// shortened final piece.
func (t *TorrentFile) PieceLen(index int) int64 {
	begin, end := t.PieceBounds(index)
	return end - begin
}

// OutputName is the assembled file's name: the torrent name with its
// trailing extension stripped, per spec §6.
func (t *TorrentFile) OutputName() string {
	name := t.Name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
		if name[i] == '/' {
			break
		}
	}
	return name
}
