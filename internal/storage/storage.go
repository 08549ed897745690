// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package storage implements the Storage component (spec.md C1): a
// reference-counted SQLite handle with FTS5 enabled, safe typed parameter
// binding, scoped transactions with guaranteed rollback, and an ordered
// migration runner. Adapted from the teacher's internal/db/sqlite package:
// the statement-cache-over-sqlx pattern and the embedded-SQL migration
// runner are kept; the pragma set and versioning semantics are rewritten to
// match spec.md §4.1 (journal_mode=DELETE, 30s busy timeout, ~64MB cache)
// rather than the teacher's WAL-mode choice.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var l = logutil.New("storage")

//go:embed sql/schema
var schemaFS embed.FS

const (
	driverName = "sqlite"
	// foreign_keys + busy_timeout + page cache + journal_mode per spec §4.1.
	// journal_mode=DELETE (not WAL) is explicit in the spec so that a VACUUM
	// leaves a single correct file rather than relying on checkpointing.
	dsnOptions = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(30000)&_pragma=journal_mode(DELETE)&_pragma=cache_size(-65536)"
)

// DB is the process-wide shared SQLite handle. Every manager that touches
// the database holds a reference acquired via Acquire and must call
// Release when done; Close only succeeds once the refcount reaches zero.
type DB struct {
	sql      *sqlx.DB
	path     string
	refcount int64

	statementsMut sync.RWMutex
	statements    map[string]*sqlx.Stmt
}

// Open opens (creating if necessary) the database at path, applying
// migrations in a single transaction each, and returns a handle with a
// refcount of zero — callers must Acquire before using it and holding it.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, ferrors.Wrap(ferrors.IO, err, "creating database directory")
		}
	}

	priorVersion, err := peekSchemaVersion(path)
	if err != nil {
		return nil, err
	}
	if priorVersion > 0 {
		if err := backupBeforeUpgrade(path, priorVersion); err != nil {
			return nil, err
		}
	}

	sqlDB, err := sqlx.Open(driverName, "file:"+path+dsnOptions)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Database, err, "opening database")
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite + our full-mutex design: serialize access

	db := &DB{sql: sqlDB, path: path, statements: make(map[string]*sqlx.Stmt)}

	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// OpenTemp opens a throwaway database for tests, grounded on the teacher's
// OpenTemp helper.
func OpenTemp() (*DB, func(), error) {
	dir, err := os.MkdirTemp("", "familyvault-db")
	if err != nil {
		return nil, nil, ferrors.Wrap(ferrors.IO, err, "creating temp dir")
	}
	db, err := Open(filepath.Join(dir, "familyvault.db"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	cleanup := func() {
		_ = db.Close()
		os.RemoveAll(dir)
	}
	return db, cleanup, nil
}

// Acquire increments the live-reference count and returns the same handle,
// mirroring the teacher's shared-ownership database handle design note.
func (d *DB) Acquire() *DB {
	atomic.AddInt64(&d.refcount, 1)
	return d
}

// Release decrements the live-reference count. It must be called exactly
// once per Acquire.
func (d *DB) Release() {
	atomic.AddInt64(&d.refcount, -1)
}

// RefCount reports the current number of live references.
func (d *DB) RefCount() int64 {
	return atomic.LoadInt64(&d.refcount)
}

// Close closes the underlying database file. It fails with a Busy error if
// any manager still holds a reference.
func (d *DB) Close() error {
	if n := atomic.LoadInt64(&d.refcount); n > 0 {
		return ferrors.New(ferrors.Busy, fmt.Sprintf("database still has %d live references", n))
	}
	d.statementsMut.Lock()
	for _, stmt := range d.statements {
		stmt.Close()
	}
	d.statements = nil
	d.statementsMut.Unlock()
	if err := d.sql.Close(); err != nil {
		return ferrors.Wrap(ferrors.Database, err, "closing database")
	}
	return nil
}

// Execute runs a statement that does not return rows.
func (d *DB) Execute(query string, args ...any) (sql.Result, error) {
	res, err := d.stmt(query).Exec(args...)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Database, err, "executing statement")
	}
	return res, nil
}

// QueryOne scans a single row into dest, a struct or scalar pointer.
func (d *DB) QueryOne(dest any, query string, args ...any) error {
	if err := d.stmt(query).Get(dest, args...); err != nil {
		if err == sql.ErrNoRows {
			return ferrors.New(ferrors.NotFound, "no matching row")
		}
		return ferrors.Wrap(ferrors.Database, err, "querying row")
	}
	return nil
}

// Query scans all matching rows into dest, a pointer to a slice.
func (d *DB) Query(dest any, query string, args ...any) error {
	if err := d.stmt(query).Select(dest, args...); err != nil {
		return ferrors.Wrap(ferrors.Database, err, "querying rows")
	}
	return nil
}

// Rows exposes a lazy row iterator for callers that cannot materialize the
// whole result set.
func (d *DB) Rows(query string, args ...any) (*sqlx.Rows, error) {
	rows, err := d.stmt(query).Queryx(args...)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Database, err, "querying rows")
	}
	return rows, nil
}

// Scope is a transaction with guaranteed rollback unless Commit is called
// before Finish runs — callers must `defer scope.Finish()` immediately
// after a successful Transaction call.
type Scope struct {
	tx        *sqlx.Tx
	committed bool
}

// Transaction starts a new transaction scope.
func (d *DB) Transaction() (*Scope, error) {
	tx, err := d.sql.Beginx()
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Database, err, "beginning transaction")
	}
	return &Scope{tx: tx}, nil
}

func (s *Scope) Execute(query string, args ...any) (sql.Result, error) {
	res, err := s.tx.Exec(query, args...)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Database, err, "executing statement in transaction")
	}
	return res, nil
}

func (s *Scope) QueryOne(dest any, query string, args ...any) error {
	if err := s.tx.Get(dest, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return ferrors.New(ferrors.NotFound, "no matching row")
		}
		return ferrors.Wrap(ferrors.Database, err, "querying row in transaction")
	}
	return nil
}

func (s *Scope) Query(dest any, query string, args ...any) error {
	if err := s.tx.Select(dest, query, args...); err != nil {
		return ferrors.Wrap(ferrors.Database, err, "querying rows in transaction")
	}
	return nil
}

// Commit commits the transaction. After Commit, Finish is a no-op.
func (s *Scope) Commit() error {
	s.committed = true
	if err := s.tx.Commit(); err != nil {
		return ferrors.Wrap(ferrors.Database, err, "committing transaction")
	}
	return nil
}

// Finish rolls back the transaction if it was never committed. Safe to call
// unconditionally via defer.
func (s *Scope) Finish() {
	if !s.committed {
		_ = s.tx.Rollback()
	}
}

// LastInsertID and Changes mirror C1's exposed contract for callers that
// used Execute and need the resulting row id / affected-row count.
func LastInsertID(res sql.Result) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ferrors.Wrap(ferrors.Database, err, "reading last insert id")
	}
	return id, nil
}

func Changes(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ferrors.Wrap(ferrors.Database, err, "reading rows affected")
	}
	return n, nil
}

// stmt returns a cached prepared statement, preparing and caching it on
// first use — the same fast-path-then-lock pattern as the teacher's
// DB.stmt in internal/db/sqlite/db_schema.go.
func (d *DB) stmt(query string) preparedStmt {
	query = strings.TrimSpace(query)

	d.statementsMut.RLock()
	stmt, ok := d.statements[query]
	d.statementsMut.RUnlock()
	if ok {
		return stmt
	}

	d.statementsMut.Lock()
	defer d.statementsMut.Unlock()
	if stmt, ok := d.statements[query]; ok {
		return stmt
	}

	stmt, err := d.sql.Preparex(query)
	if err != nil {
		return failedStmt{err}
	}
	d.statements[query] = stmt
	return stmt
}

type preparedStmt interface {
	Exec(args ...any) (sql.Result, error)
	Get(dest any, args ...any) error
	Select(dest any, args ...any) error
	Queryx(args ...any) (*sqlx.Rows, error)
}

type failedStmt struct{ err error }

func (f failedStmt) Exec(_ ...any) (sql.Result, error)   { return nil, f.err }
func (f failedStmt) Get(_ any, _ ...any) error           { return f.err }
func (f failedStmt) Select(_ any, _ ...any) error        { return f.err }
func (f failedStmt) Queryx(_ ...any) (*sqlx.Rows, error) { return nil, f.err }

// --- migrations ---

type migration struct {
	version     int
	description string
	path        string // path within schemaFS
}

// migrations is the ordered list the spec requires: every migration whose
// version exceeds the on-disk maximum runs, in order, each in its own
// transaction.
var migrations = []migration{
	{version: 1, description: "initial schema", path: "sql/schema/0001-initial.sql"},
	{version: 2, description: "remote sync version tracking", path: "sql/schema/0002-remote-sync-version.sql"},
	{version: 3, description: "device and folder activity stats", path: "sql/schema/0003-stats.sql"},
}

func (d *DB) migrate() error {
	if _, err := d.sql.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return ferrors.Wrap(ferrors.Database, err, "creating schema_version table")
	}

	current, err := d.currentSchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := d.applyMigration(m); err != nil {
			return ferrors.Wrapf(ferrors.Database, err, "migration %d (%s) failed", m.version, m.description)
		}
		l.Info("applied migration", "version", m.version, "description", m.description)
	}
	return nil
}

func (d *DB) applyMigration(m migration) error {
	bs, err := fs.ReadFile(schemaFS, m.path)
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "reading embedded migration script")
	}

	tx, err := d.sql.Begin()
	if err != nil {
		return ferrors.Wrap(ferrors.Database, err, "beginning migration transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	// SQLite requires one statement per Exec call; scripts separate
	// statements with a line containing only a semicolon, mirroring the
	// teacher's runScripts splitting convention.
	for _, stmt := range strings.Split(string(bs), "\n;") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return ferrors.Wrapf(ferrors.Database, err, "executing migration statement: %s", firstLine(stmt))
		}
	}

	if _, err := tx.Exec(`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
		m.version, m.description, time.Now().UnixNano()); err != nil {
		return ferrors.Wrap(ferrors.Database, err, "recording schema version")
	}

	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(ferrors.Database, err, "committing migration")
	}
	return nil
}

func (d *DB) currentSchemaVersion() (int, error) {
	var v sql.NullInt64
	row := d.sql.QueryRow(`SELECT MAX(version) FROM schema_version`)
	if err := row.Scan(&v); err != nil {
		return 0, ferrors.Wrap(ferrors.Database, err, "reading schema version")
	}
	return int(v.Int64), nil
}

// peekSchemaVersion opens path read-only (if it exists) just far enough to
// learn the on-disk schema version, without going through the full Open
// pragma/migration path — used to decide whether a pre-upgrade backup copy
// is required.
func peekSchemaVersion(path string) (int, error) {
	if path == ":memory:" {
		return 0, nil
	}
	if _, err := os.Stat(path); err != nil {
		return 0, nil // does not exist yet: nothing to back up
	}
	db, err := sqlx.Open(driverName, "file:"+path+"?mode=ro")
	if err != nil {
		return 0, nil // unreadable/corrupt: treat as fresh, migration will surface the real error
	}
	defer db.Close()

	var v sql.NullInt64
	row := db.QueryRow(`SELECT MAX(version) FROM schema_version`)
	if err := row.Scan(&v); err != nil {
		return 0, nil
	}
	return int(v.Int64), nil
}

// backupBeforeUpgrade copies the database file, suffixed with the prior
// schema version, before any migration runs against it (spec §4.1).
func backupBeforeUpgrade(path string, priorVersion int) error {
	src, err := os.Open(path)
	if err != nil {
		return ferrors.Wrap(ferrors.IO, err, "opening database for backup")
	}
	defer src.Close()

	backupPath := path + ".v" + strconv.Itoa(priorVersion) + ".bak"
	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return ferrors.Wrap(ferrors.IO, err, "creating database backup file")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return ferrors.Wrap(ferrors.IO, err, "copying database backup")
	}
	l.Info("backed up database before migration", "path", backupPath, "priorVersion", priorVersion)
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
