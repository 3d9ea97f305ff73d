package trackerclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"gorent/bencode"
)

// fakeTracker accepts one connection, echoes back a Bencoded announce
// response behind a minimal HTTP/1.1 status line, and closes.
func fakeTracker(t *testing.T, body []byte) string {
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
		buf := make([]byte, 4096)
		conn.Read(buf)
		resp := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n"
		conn.Write([]byte(resp))
		conn.Write(body)
	}()
	return ln.Addr().String()
}

func TestAnnounceDecodesCompactPeers(t *testing.T) {
	respVal := bencode.Dict(map[string]bencode.Value{
		"interval": bencode.Int(1800),
		"peers":    bencode.String([]byte{127, 0, 0, 1, 0x1A, 0xE1}),
	})
	addr := fakeTracker(t, bencode.Encode(respVal))

	resp, err := Announce(Request{
		AnnounceURL: "http://" + addr + "/announce",
		InfoHash:    [20]byte{1},
		PeerID:      GeneratePeerID(),
		Port:        6881,
		Left:        100,
		Event:       Started,
	})
	require.NoError(t, err)
	require.Equal(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	require.Equal(t, uint16(0x1AE1), resp.Peers[0].Port)
}

func TestAnnounceDecodesListOfDictsPeers(t *testing.T) {
	peerEntry := bencode.Dict(map[string]bencode.Value{
		"ip":   bencode.String([]byte("10.0.0.5")),
		"port": bencode.Int(55123),
	})
	respVal := bencode.Dict(map[string]bencode.Value{
		"interval": bencode.Int(900),
		"peers":    bencode.List([]bencode.Value{peerEntry}),
	})
	addr := fakeTracker(t, bencode.Encode(respVal))

	resp, err := Announce(Request{
		AnnounceURL: "http://" + addr + "/announce",
		InfoHash:    [20]byte{2},
		PeerID:      GeneratePeerID(),
		Port:        6882,
	})
	require.NoError(t, err)
	require.Equal(t, 900, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "10.0.0.5", resp.Peers[0].IP.String())
	require.Equal(t, uint16(55123), resp.Peers[0].Port)
}

func TestAnnounceSurfacesFailureReason(t *testing.T) {
	respVal := bencode.Dict(map[string]bencode.Value{
		"failure reason": bencode.String([]byte("info_hash not found")),
	})
	addr := fakeTracker(t, bencode.Encode(respVal))

	_, err := Announce(Request{AnnounceURL: "http://" + addr + "/announce", PeerID: GeneratePeerID()})
	require.Error(t, err)
	var malformed *TrackerMalformed
	require.ErrorAs(t, err, &malformed)
}

func TestAnnounceUnreachableTracker(t *testing.T) {
	_, err := Announce(Request{AnnounceURL: "http://127.0.0.1:1/announce", PeerID: GeneratePeerID()})
	require.Error(t, err)
	var unreachable *TrackerUnreachable
	require.ErrorAs(t, err, &unreachable)
}

func TestGeneratePeerIDHasExpectedPrefix(t *testing.T) {
	id := GeneratePeerID()
	require.Equal(t, "-GR0001-", string(id[:8]))
}
