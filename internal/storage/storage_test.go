package storage_test

import (
	"testing"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesInitialSchema(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	var tableCount int
	err = db.QueryOne(&tableCount, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name='files'`)
	require.NoError(t, err)
	require.Equal(t, 1, tableCount)
}

func TestExecuteAndQueryOne(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	res, err := db.Execute(`INSERT INTO folders (path, name) VALUES (?, ?)`, "/home/family/photos", "photos")
	require.NoError(t, err)
	id, err := storage.LastInsertID(res)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	var name string
	require.NoError(t, db.QueryOne(&name, `SELECT name FROM folders WHERE id = ?`, id))
	require.Equal(t, "photos", name)
}

func TestQueryOneNotFoundMapsToFerrors(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	var name string
	err = db.QueryOne(&name, `SELECT name FROM folders WHERE id = ?`, 999)
	require.Error(t, err)
	require.Equal(t, ferrors.NotFound, ferrors.KindOf(err))
}

func TestTransactionRollsBackUnlessCommitted(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	scope, err := db.Transaction()
	require.NoError(t, err)
	_, err = scope.Execute(`INSERT INTO folders (path, name) VALUES (?, ?)`, "/a", "a")
	require.NoError(t, err)
	scope.Finish() // no Commit: should roll back

	var count int
	require.NoError(t, db.QueryOne(&count, `SELECT count(*) FROM folders`))
	require.Equal(t, 0, count)

	scope2, err := db.Transaction()
	require.NoError(t, err)
	_, err = scope2.Execute(`INSERT INTO folders (path, name) VALUES (?, ?)`, "/b", "b")
	require.NoError(t, err)
	require.NoError(t, scope2.Commit())
	scope2.Finish() // Commit already happened: no-op

	require.NoError(t, db.QueryOne(&count, `SELECT count(*) FROM folders`))
	require.Equal(t, 1, count)
}

func TestCloseFailsWithBusyWhileReferenced(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()

	db.Acquire()
	err = db.Close()
	require.Error(t, err)
	require.Equal(t, ferrors.Busy, ferrors.KindOf(err))

	db.Release()
	require.NoError(t, db.Close())
}

func TestFTSMirrorsFileNameOnInsertAndDelete(t *testing.T) {
	db, cleanup, err := storage.OpenTemp()
	require.NoError(t, err)
	defer cleanup()
	db.Acquire()
	defer db.Release()

	res, err := db.Execute(`INSERT INTO folders (path, name) VALUES (?, ?)`, "/home/family/docs", "docs")
	require.NoError(t, err)
	folderID, err := storage.LastInsertID(res)
	require.NoError(t, err)

	_, err = db.Execute(
		`INSERT INTO files (folder_id, relative_path, name, created_at, modified_at) VALUES (?, ?, ?, ?, ?)`,
		folderID, "recipe.txt", "recipe.txt", 1, 1,
	)
	require.NoError(t, err)

	var hits int
	require.NoError(t, db.QueryOne(&hits, `SELECT count(*) FROM files_fts WHERE files_fts MATCH 'recipe'`))
	require.Equal(t, 1, hits)

	_, err = db.Execute(`DELETE FROM files WHERE relative_path = ?`, "recipe.txt")
	require.NoError(t, err)

	require.NoError(t, db.QueryOne(&hits, `SELECT count(*) FROM files_fts WHERE files_fts MATCH 'recipe'`))
	require.Equal(t, 0, hits)
}
