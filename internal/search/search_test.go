package search_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/extract"
	"github.com/familyvault/familyvaultd/internal/index"
	"github.com/familyvault/familyvaultd/internal/indexer"
	"github.com/familyvault/familyvaultd/internal/search"
	"github.com/familyvault/familyvaultd/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestSearchFindsIndexedContent(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("Hello FamilyVault world"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slide.txt"), []byte("Quarterly review Q2"), 0o644))

	m := index.NewManager(db, "device-a")
	folderID, err := m.AddFolder(dir, "docs", domain.Family)
	require.NoError(t, err)
	done, err := m.ScanFolder(context.Background(), folderID, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)
	_, err = db.Execute(`UPDATE files SET mime_type = 'text/plain'`)
	require.NoError(t, err)

	registry := extract.NewRegistry(extract.PlainTextExtractor{})
	ci := indexer.New(db, registry, nil)
	ctx := context.Background()
	require.NoError(t, ci.Start(ctx))
	for ci.Status().Pending > 0 {
		var row struct {
			ID int64 `db:"id"`
		}
		_ = db.QueryOne(&row, `SELECT fi.id FROM files fi LEFT JOIN file_content c ON c.file_id = fi.id WHERE c.file_id IS NULL LIMIT 1`)
		if row.ID == 0 {
			break
		}
		require.NoError(t, ci.ProcessFile(row.ID))
	}

	engine := search.NewEngine(db)
	results, err := engine.Search(search.Query{Text: "quarterly"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results[0].RelativePath, "slide.txt")
}

func TestSearchRejectsInvertedDateRange(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	after := int64(200)
	before := int64(100)
	engine := search.NewEngine(db)
	_, err = engine.Search(search.Query{ModifiedAfter: &after, ModifiedBefore: &before})
	require.Error(t, err)
}

func TestSuggestCachesResults(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	res, err := db.Execute(`INSERT INTO folders (path, name) VALUES ('/x', 'x')`)
	require.NoError(t, err)
	folderID, err := storage.LastInsertID(res)
	require.NoError(t, err)
	_, err = db.Execute(`INSERT INTO files (folder_id, relative_path, name, created_at, modified_at) VALUES (?, 'vacation.jpg', 'vacation.jpg', 1, 1)`, folderID)
	require.NoError(t, err)

	engine := search.NewEngine(db)
	names, err := engine.Suggest("vac", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"vacation.jpg"}, names)

	// A second lookup of the same prefix is served from the cache, so a
	// file added in between does not appear.
	_, err = db.Execute(`INSERT INTO files (folder_id, relative_path, name, created_at, modified_at) VALUES (?, 'vacuum.txt', 'vacuum.txt', 1, 1)`, folderID)
	require.NoError(t, err)
	names, err = engine.Suggest("vac", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"vacation.jpg"}, names)
}
