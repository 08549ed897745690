package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	payload := []byte(`{"records":[{"remoteId":"abc","path":"a/b.txt"}],"terminal":true}`)

	compressed, err := compress(payload)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)

	out, err := decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := decompress([]byte("not an lz4 frame"))
	require.Error(t, err)
}
