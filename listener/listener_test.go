package listener

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gorent/bitfield"
	"gorent/peer"
	"gorent/upload"
	"gorent/wire"
)

func TestServeHandshakesAndSendsBitfield(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	bf := bitfield.New(8)
	bf.TryMarkDownloading(0)
	bf.MarkDownloaded(0)

	serveCh := make(chan peer.ServeRequest, 1)
	l, err := New("127.0.0.1:0", infoHash, [20]byte{9}, bf, serveCh, nil, nil)
	require.NoError(t, err)
	defer l.Close()
	go l.Serve()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	local := wire.Handshake{InfoHash: infoHash, PeerID: [20]byte{5}}
	_, err = conn.Write(local.Serialize())
	require.NoError(t, err)
	remote, err := wire.ReadHandshake(conn)
	require.NoError(t, err)
	require.Equal(t, infoHash, remote.InfoHash)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Unchoke, msg.ID)

	msg, err = wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Bitfield, msg.ID)
	require.Equal(t, bf.Pack(), msg.Payload)
}

func TestHandleForwardsRequestThenStopsOnChoke(t *testing.T) {
	infoHash := [20]byte{1}
	bf := bitfield.New(1)
	bf.TryMarkDownloading(0)
	bf.MarkDownloaded(0)

	serveCh := make(chan peer.ServeRequest, 1)
	l, err := New("127.0.0.1:0", infoHash, [20]byte{9}, bf, serveCh, nil, nil)
	require.NoError(t, err)
	defer l.Close()
	go l.Serve()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	local := wire.Handshake{InfoHash: infoHash, PeerID: [20]byte{5}}
	conn.Write(local.Serialize())
	_, err = wire.ReadHandshake(conn)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	wire.ReadMessage(conn) // unchoke
	wire.ReadMessage(conn) // bitfield

	conn.Write(wire.MakeRequest(0, 0, 16).Serialize())
	select {
	case req := <-serveCh:
		require.Equal(t, 0, req.PieceIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not forwarded by the listener's connection")
	}

	conn.Write(wire.Message{ID: wire.Choke}.Serialize())

	// After the choke the handler returns and closes its end.
	_, err = wire.ReadMessage(conn)
	require.ErrorIs(t, err, io.EOF)
}

func TestServeStopsOnShutdownSignal(t *testing.T) {
	bf := bitfield.New(1)
	control := make(chan upload.ShutdownSignal, 1)
	l, err := New("127.0.0.1:0", [20]byte{1}, [20]byte{2}, bf, nil, control, nil)
	require.NoError(t, err)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		l.Serve()
		close(done)
	}()

	control <- upload.ShutdownSignal{}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after a shutdown signal")
	}
}
