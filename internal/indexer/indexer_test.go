package indexer_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/extract"
	"github.com/familyvault/familyvaultd/internal/index"
	"github.com/familyvault/familyvaultd/internal/indexer"
	"github.com/familyvault/familyvaultd/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestIndexerProcessesQueuedFiles(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("quarterly review notes"), 0o644))

	idxMgr := index.NewManager(db, "device-a")
	folderID, err := idxMgr.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)
	done, err := idxMgr.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	_, err = db.Execute(`UPDATE files SET mime_type = 'text/plain' WHERE folder_id = ?`, folderID)
	require.NoError(t, err)

	registry := extract.NewRegistry(extract.PlainTextExtractor{})
	ci := indexer.New(db, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ci.Serve(ctx)

	require.NoError(t, ci.Start(ctx))

	require.Eventually(t, func() bool {
		return ci.Status().Processed == 1
	}, time.Second, 10*time.Millisecond)

	var text string
	require.NoError(t, db.QueryOne(&text, `SELECT extracted_text FROM file_content LIMIT 1`))
	require.Contains(t, text, "quarterly review")

	var hits int
	require.NoError(t, db.QueryOne(&hits, `SELECT count(*) FROM files_fts WHERE files_fts MATCH 'quarterly'`))
	require.Equal(t, 1, hits)
}

func TestProcessFileRunsSynchronously(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	idxMgr := index.NewManager(db, "device-a")
	folderID, err := idxMgr.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)
	done, err := idxMgr.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)

	_, err = db.Execute(`UPDATE files SET mime_type = 'text/plain' WHERE folder_id = ?`, folderID)
	require.NoError(t, err)

	var fileID int64
	require.NoError(t, db.QueryOne(&fileID, `SELECT id FROM files WHERE folder_id = ?`, folderID))

	registry := extract.NewRegistry(extract.PlainTextExtractor{})
	ci := indexer.New(db, registry, nil)
	require.NoError(t, ci.ProcessFile(fileID))

	var count int
	require.NoError(t, db.QueryOne(&count, `SELECT count(*) FROM file_content WHERE file_id = ?`, fileID))
	require.Equal(t, 1, count)
}
