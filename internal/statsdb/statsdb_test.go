package statsdb_test

import (
	"testing"
	"time"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/index"
	"github.com/familyvault/familyvaultd/internal/statsdb"
	"github.com/familyvault/familyvaultd/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	t.Cleanup(cleanup)
	db.Acquire()
	t.Cleanup(db.Release)
	return db
}

func TestLastSeenIsZeroForUnknownDevice(t *testing.T) {
	s := statsdb.New(newTestDB(t))
	seen, err := s.LastSeen("never-connected")
	require.NoError(t, err)
	require.True(t, seen.IsZero())
}

func TestWasSeenRecordsAndUpdatesLastSeen(t *testing.T) {
	s := statsdb.New(newTestDB(t))

	require.NoError(t, s.WasSeen("device-a"))
	first, err := s.LastSeen("device-a")
	require.NoError(t, err)
	require.False(t, first.IsZero())

	time.Sleep(time.Millisecond)
	require.NoError(t, s.WasSeen("device-a"))
	second, err := s.LastSeen("device-a")
	require.NoError(t, err)
	require.True(t, second.After(first) || second.Equal(first))
}

func TestReceivedFileTracksLatestPerFolder(t *testing.T) {
	db := newTestDB(t)
	s := statsdb.New(db)

	folderID, err := index.NewManager(db, "device-a").AddFolder(t.TempDir(), "docs", domain.Family)
	require.NoError(t, err)

	none, err := s.LastReceivedFile(folderID)
	require.NoError(t, err)
	require.Equal(t, statsdb.LastFile{}, none)

	require.NoError(t, s.ReceivedFile(folderID, "a.txt"))
	require.NoError(t, s.ReceivedFile(folderID, "b.txt"))

	last, err := s.LastReceivedFile(folderID)
	require.NoError(t, err)
	require.Equal(t, "b.txt", last.Filename)
}

func TestForgetRemovesDeviceStats(t *testing.T) {
	s := statsdb.New(newTestDB(t))
	require.NoError(t, s.WasSeen("device-a"))

	require.NoError(t, s.Forget("device-a"))

	seen, err := s.LastSeen("device-a")
	require.NoError(t, err)
	require.True(t, seen.IsZero())
}
