package filetransfer_test

import (
	"os"
	"testing"

	"github.com/familyvault/familyvaultd/internal/filetransfer"
	"github.com/stretchr/testify/require"
)

func TestCacheTempWriterThenFinishIsRetrievable(t *testing.T) {
	cache := filetransfer.NewCache(t.TempDir())

	tmp, finish, err := cache.TempWriter("device-a", 42)
	require.NoError(t, err)
	_, err = tmp.Write([]byte("file contents"))
	require.NoError(t, err)
	require.NoError(t, finish())

	path, hit, err := cache.Lookup("device-a", 42, "")
	require.NoError(t, err)
	require.True(t, hit)
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "file contents", string(contents))
}

func TestCacheLookupMissesForUnknownKey(t *testing.T) {
	cache := filetransfer.NewCache(t.TempDir())
	_, hit, err := cache.Lookup("device-a", 999, "")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestCacheLookupRejectsChecksumMismatch(t *testing.T) {
	cache := filetransfer.NewCache(t.TempDir())
	tmp, finish, err := cache.TempWriter("device-a", 1)
	require.NoError(t, err)
	_, err = tmp.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, finish())

	_, hit, err := cache.Lookup("device-a", 1, "wrong-checksum")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestAbortRemovesTempFile(t *testing.T) {
	cache := filetransfer.NewCache(t.TempDir())
	tmp, _, err := cache.TempWriter("device-a", 2)
	require.NoError(t, err)
	name := tmp.Name()
	require.NoError(t, filetransfer.Abort(tmp))
	_, err = os.Stat(name)
	require.True(t, os.IsNotExist(err))
}
