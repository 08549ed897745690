package index_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/index"
	"github.com/familyvault/familyvaultd/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*index.Manager, *storage.DB) {
	t.Helper()
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	t.Cleanup(cleanup)
	db.Acquire()
	t.Cleanup(db.Release)
	return index.NewManager(db, "device-a"), db
}

func TestAddFolderRejectsDuplicatePath(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()

	_, err := m.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)

	_, err = m.AddFolder(dir, "docs-again", domain.Family)
	require.Error(t, err)
	require.Equal(t, ferrors.AlreadyExists, ferrors.KindOf(err))
}

func TestScanFolderUpsertsFilesAndIsIdempotent(t *testing.T) {
	m, db := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello world"), 0o644))

	folderID, err := m.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)

	done, err := m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	var count int
	require.NoError(t, db.QueryOne(&count, `SELECT count(*) FROM files WHERE folder_id = ?`, folderID))
	require.Equal(t, 1, count)

	// Re-scanning with no changes must not touch sync_version.
	var before int64
	require.NoError(t, db.QueryOne(&before, `SELECT sync_version FROM files WHERE folder_id = ?`, folderID))

	done, err = m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	var after int64
	require.NoError(t, db.QueryOne(&after, `SELECT sync_version FROM files WHERE folder_id = ?`, folderID))
	require.Equal(t, before, after)
}

func TestScanFolderRejectsConcurrentScan(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()
	for i := 0; i < 20; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i))+".txt"), []byte("x"), 0o644))
	}
	folderID, err := m.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)

	done, err := m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)

	_, err = m.ScanFolder(context.Background(), folderID, nil)
	require.Error(t, err)
	require.Equal(t, ferrors.Busy, ferrors.KindOf(err))

	require.NoError(t, <-done)
}

func TestDeleteFileWritesTombstoneForFamilyFile(t *testing.T) {
	m, db := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644))
	folderID, err := m.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)

	done, err := m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	var fileID int64
	require.NoError(t, db.QueryOne(&fileID, `SELECT id FROM files WHERE folder_id = ?`, folderID))
	_, err = db.Execute(`UPDATE files SET checksum = ? WHERE id = ?`, "deadbeef", fileID)
	require.NoError(t, err)

	require.NoError(t, m.DeleteFile(fileID, false))

	var tombstones int
	require.NoError(t, db.QueryOne(&tombstones, `SELECT count(*) FROM deleted_files WHERE checksum = ?`, "deadbeef"))
	require.Equal(t, 1, tombstones)
}

func TestGetStats(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("12345"), 0o644))
	folderID, err := m.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)

	done, err := m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	stats, err := m.GetStats()
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.FolderCount)
	require.Equal(t, int64(1), stats.FileCount)
	require.Equal(t, int64(5), stats.TotalSize)
}
