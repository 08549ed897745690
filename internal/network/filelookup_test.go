package network

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/index"
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

func scanOneFile(t *testing.T, db *storage.DB, visibility domain.Visibility, name string) int64 {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("contents"), 0o644))

	m := index.NewManager(db, "device-a")
	folderID, err := m.AddFolder(dir, name+"-folder", visibility)
	require.NoError(t, err)
	done, err := m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	files, err := m.GetByFolder(folderID, 10, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	return files[0].ID
}

func TestFileLookupServesFamilyVisibleFiles(t *testing.T) {
	db := newTestDB(t)
	fileID := scanOneFile(t, db, domain.Family, "shared.txt")

	path, vis, found, err := fileLookup(db)(fileID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.Family, vis)
	require.FileExists(t, path)
}

func TestFileLookupRefusesPrivateFiles(t *testing.T) {
	db := newTestDB(t)
	fileID := scanOneFile(t, db, domain.Private, "secret.txt")

	_, _, found, err := fileLookup(db)(fileID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestFileLookupMissingFileNotFound(t *testing.T) {
	db := newTestDB(t)

	_, _, found, err := fileLookup(db)(999999)
	require.NoError(t, err)
	require.False(t, found)
}

func TestFileLookupWithoutDatabaseAlwaysReportsNotFound(t *testing.T) {
	_, _, found, err := fileLookup(nil)(1)
	require.NoError(t, err)
	require.False(t, found)
}
