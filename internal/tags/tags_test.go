package tags_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/index"
	"github.com/familyvault/familyvaultd/internal/storage"
	"github.com/familyvault/familyvaultd/internal/tags"
	"github.com/stretchr/testify/require"
	"context"
)

func setup(t *testing.T) (*tags.Manager, int64, *storage.DB) {
	t.Helper()
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	t.Cleanup(cleanup)
	db.Acquire()
	t.Cleanup(db.Release)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	m := index.NewManager(db, "device-a")
	folderID, err := m.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)
	done, err := m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	var fileID int64
	require.NoError(t, db.QueryOne(&fileID, `SELECT id FROM files WHERE folder_id = ?`, folderID))

	return tags.NewManager(db), fileID, db
}

func TestAddIsIdempotent(t *testing.T) {
	tm, fileID, _ := setup(t)

	require.NoError(t, tm.Add(fileID, "  Family  "))
	require.NoError(t, tm.Add(fileID, "family"))

	got, err := tm.GetForFile(fileID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "family", got[0].Name)
}

func TestAddRemoveAddLeavesSameState(t *testing.T) {
	tm, fileID, _ := setup(t)

	require.NoError(t, tm.Add(fileID, "vacation"))
	require.NoError(t, tm.Remove(fileID, "vacation"))
	require.NoError(t, tm.Add(fileID, "vacation"))

	got, err := tm.GetForFile(fileID)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestGetPopularOrdersByUsage(t *testing.T) {
	tm, fileID, db := setup(t)
	require.NoError(t, tm.Add(fileID, "popular"))

	var secondFile int64
	res, err := db.Execute(`INSERT INTO folders (path, name) VALUES ('/x', 'x')`)
	require.NoError(t, err)
	folderID, err := storage.LastInsertID(res)
	require.NoError(t, err)
	res, err = db.Execute(`INSERT INTO files (folder_id, relative_path, name, created_at, modified_at) VALUES (?, 'b.txt', 'b.txt', 1, 1)`, folderID)
	require.NoError(t, err)
	secondFile, err = storage.LastInsertID(res)
	require.NoError(t, err)

	require.NoError(t, tm.Add(secondFile, "popular"))
	require.NoError(t, tm.Add(secondFile, "rare"))

	popular, err := tm.GetPopular(10)
	require.NoError(t, err)
	require.Equal(t, "popular", popular[0].Name)
	require.Equal(t, int64(2), popular[0].UsageCount)
}
