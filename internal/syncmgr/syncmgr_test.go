package syncmgr_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/index"
	"github.com/familyvault/familyvaultd/internal/storage"
	"github.com/familyvault/familyvaultd/internal/syncmgr"
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

func TestGetLocalChangesSinceExcludesPrivateFiles(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared.txt"), []byte("x"), 0o644))

	m := index.NewManager(db, "device-a")
	folderID, err := m.AddFolder(dir, "docs", domain.Private)
	require.NoError(t, err)
	done, err := m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	sm := syncmgr.NewManager(db, "device-a")
	batches, err := sm.GetLocalChangesSince(0)
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestGetLocalChangesSinceIncludesFamilyFiles(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared.txt"), []byte("x"), 0o644))

	m := index.NewManager(db, "device-a")
	folderID, err := m.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)
	done, err := m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	sm := syncmgr.NewManager(db, "device-a")
	batches, err := sm.GetLocalChangesSince(0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, "shared.txt", batches[0][0].Name)
}

func TestApplyRecordHigherSyncVersionWins(t *testing.T) {
	db := newTestDB(t)
	sm := syncmgr.NewManager(db, "device-a")

	base := syncmgr.FileRecord{
		SourceDeviceID: "device-b", RemoteID: 1, RelativePath: "a.txt", Name: "a.txt",
		ModifiedAt: 100, SyncVersion: 1, LastModifiedBy: "device-b",
	}
	require.NoError(t, sm.ApplyRecord(base))

	stale := base
	stale.Name = "a-stale.txt"
	stale.SyncVersion = 0
	require.NoError(t, sm.ApplyRecord(stale))

	var name string
	require.NoError(t, db.QueryOne(&name, `SELECT name FROM watched_remote_files WHERE source_device_id = 'device-b' AND remote_id = 1`))
	require.Equal(t, "a.txt", name) // stale update, with a lower sync_version, must not win

	newer := base
	newer.Name = "a-newer.txt"
	newer.SyncVersion = 2
	require.NoError(t, sm.ApplyRecord(newer))

	require.NoError(t, db.QueryOne(&name, `SELECT name FROM watched_remote_files WHERE source_device_id = 'device-b' AND remote_id = 1`))
	require.Equal(t, "a-newer.txt", name)
}

func TestApplyRecordTombstoneMarksDeleted(t *testing.T) {
	db := newTestDB(t)
	sm := syncmgr.NewManager(db, "device-a")

	checksum := "sum123"
	require.NoError(t, sm.ApplyRecord(syncmgr.FileRecord{
		SourceDeviceID: "device-b", RemoteID: 1, RelativePath: "a.txt", Name: "a.txt",
		Checksum: &checksum, ModifiedAt: 100, SyncVersion: 1, LastModifiedBy: "device-b",
	}))

	deletedAt := int64(200)
	require.NoError(t, sm.ApplyRecord(syncmgr.FileRecord{
		Checksum: &checksum, Deleted: true, DeletedAt: &deletedAt, LastModifiedBy: "device-b",
	}))

	var isDeleted bool
	require.NoError(t, db.QueryOne(&isDeleted, `SELECT is_deleted FROM watched_remote_files WHERE checksum = ?`, checksum))
	require.True(t, isDeleted)
}

func TestNeedsFullResyncAfterTombstoneTTL(t *testing.T) {
	db := newTestDB(t)
	sm := syncmgr.NewManager(db, "device-a")

	now := time.Now().UnixNano()
	require.NoError(t, sm.MarkSynced("device-b", 5, now))

	needed, err := sm.NeedsFullResync("device-b", now)
	require.NoError(t, err)
	require.False(t, needed)

	farFuture := now + int64(31*24*time.Hour)
	needed, err = sm.NeedsFullResync("device-b", farFuture)
	require.NoError(t, err)
	require.True(t, needed)
}

func TestNeedsFullResyncForUnknownDeviceIsTrue(t *testing.T) {
	db := newTestDB(t)
	sm := syncmgr.NewManager(db, "device-a")
	needed, err := sm.NeedsFullResync("device-never-synced", time.Now().UnixNano())
	require.NoError(t, err)
	require.True(t, needed)
}
