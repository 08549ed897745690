package peer_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/familyvault/familyvaultd/internal/peer"
	"github.com/familyvault/familyvaultd/internal/transport"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	net.Conn
}

func (p pipeConn) SetDeadline(t time.Time) error { return nil }

func newPeerPair(t *testing.T, handlersA, handlersB peer.Handlers) (*peer.Peer, *peer.Peer, context.CancelFunc) {
	t.Helper()
	a, b := net.Pipe()
	pa := peer.New("device-b", pipeConn{a}, handlersA)
	pb := peer.New("device-a", pipeConn{b}, handlersB)

	ctx, cancel := context.WithCancel(context.Background())
	go pa.Serve(ctx)
	go pb.Serve(ctx)
	return pa, pb, cancel
}

func TestSendDeliversMessageToPeerHandler(t *testing.T) {
	received := make(chan transport.Frame, 1)
	pa, _, cancel := newPeerPair(t, peer.Handlers{}, peer.Handlers{
		OnMessage: func(f transport.Frame) { received <- f },
	})
	defer cancel()

	require.NoError(t, pa.Send(transport.Frame{Type: transport.TypeFileComplete, ReqID: "x", Payload: []byte("ok")}))

	select {
	case f := <-received:
		require.Equal(t, transport.TypeFileComplete, f.Type)
		require.Equal(t, []byte("ok"), f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSendAndWaitCorrelatesResponse(t *testing.T) {
	var pb *peer.Peer
	handlersB := peer.Handlers{
		OnMessage: func(f transport.Frame) {
			_ = pb.Send(transport.Frame{Type: f.Type, ReqID: f.ReqID, Payload: []byte("echo")})
		},
	}

	pa, pbConn, cancel := newPeerPair(t, peer.Handlers{}, handlersB)
	pb = pbConn
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	resp, err := pa.SendAndWait(ctx, transport.Frame{Type: transport.TypeIndexSyncRequest, ReqID: "corr-1"}, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "corr-1", resp.ReqID)
}

func TestSendAndWaitTimesOutWithoutResponse(t *testing.T) {
	pa, _, cancel := newPeerPair(t, peer.Handlers{}, peer.Handlers{})
	defer cancel()

	ctx := context.Background()
	_, err := pa.SendAndWait(ctx, transport.Frame{Type: transport.TypeIndexSyncRequest, ReqID: "corr-2"}, 200*time.Millisecond)
	require.Error(t, err)
}

func TestSendChunkIsRoutedToOnChunkNotOnMessage(t *testing.T) {
	chunks := make(chan transport.ChunkFrame, 1)
	messages := make(chan transport.Frame, 1)
	pa, _, cancel := newPeerPair(t, peer.Handlers{}, peer.Handlers{
		OnChunk:   func(cf transport.ChunkFrame) { chunks <- cf },
		OnMessage: func(f transport.Frame) { messages <- f },
	})
	defer cancel()

	require.NoError(t, pa.SendChunk(transport.ChunkFrame{
		Header:  transport.ChunkHeader{ReqID: "req-1", Offset: 0, TotalSize: 4, ChunkIndex: 0, ChunkCount: 1},
		Payload: []byte("data"),
	}))

	select {
	case cf := <-chunks:
		require.Equal(t, "req-1", cf.Header.ReqID)
		require.Equal(t, []byte("data"), cf.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("chunk not delivered")
	}
	select {
	case f := <-messages:
		t.Fatalf("unexpected control frame delivered: %+v", f)
	default:
	}
}
