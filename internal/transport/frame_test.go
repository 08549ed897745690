package transport_test

import (
	"bytes"
	"testing"

	"github.com/familyvault/familyvaultd/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	in := transport.Frame{Type: transport.TypeFileRequest, ReqID: "req-1", Payload: []byte("hello")}
	require.NoError(t, transport.WriteFrame(&buf, in))

	out, err := transport.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("XXXX\x00\x00\x00\x02ab")
	_, err := transport.ReadFrame(buf)
	require.Error(t, err)
}

func TestWriteReadChunkFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	in := transport.ChunkFrame{
		Header: transport.ChunkHeader{ReqID: "req-2", Offset: 0, TotalSize: 100, ChunkIndex: 0, ChunkCount: 2},
		Payload: []byte("some binary chunk data that is not 8 aligned"),
	}
	require.NoError(t, transport.WriteChunkFrame(&buf, in))

	out, err := transport.ReadChunkFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in.Header, out.Header)
	require.Equal(t, in.Payload, out.Payload)
}

func TestMultipleFramesOnSameStreamDecodeInOrder(t *testing.T) {
	var buf bytes.Buffer
	a := transport.Frame{Type: transport.TypeHeartbeat, ReqID: "a", Payload: nil}
	b := transport.Frame{Type: transport.TypeFileComplete, ReqID: "b", Payload: []byte("done")}
	require.NoError(t, transport.WriteFrame(&buf, a))
	require.NoError(t, transport.WriteFrame(&buf, b))

	got1, err := transport.ReadFrame(&buf)
	require.NoError(t, err)
	got2, err := transport.ReadFrame(&buf)
	require.NoError(t, err)

	require.Equal(t, transport.TypeHeartbeat, got1.Type)
	require.Equal(t, transport.TypeFileComplete, got2.Type)
}
