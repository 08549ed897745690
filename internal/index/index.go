// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package index implements the Index Manager component (spec.md C6): file
// and folder CRUD plus the scan-driven upsert pipeline, grounded on the
// teacher's internal/db/sqlite statement-per-operation style and on the
// scan-progress-from-a-worker-goroutine pattern from internal/model's
// folder scanning (progress emitted off the caller's thread, never
// blocking it).
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/familyvault/familyvaultd/internal/scanner"
	"github.com/familyvault/familyvaultd/internal/storage"
)

var l = logutil.New("index")

// Progress is delivered to ScanFolder/ScanAll callbacks from a dedicated
// worker goroutine, never from the calling goroutine.
type Progress struct {
	Processed   int
	Total       int
	CurrentPath string
}

type ProgressFunc func(Progress)

// Stats is the aggregate view returned by GetStats.
type Stats struct {
	FolderCount int64
	FileCount   int64
	TotalSize   int64
}

// Manager is the Index Manager. DeviceID stamps sync_version ownership on
// every Family-file mutation.
type Manager struct {
	db       *storage.DB
	deviceID string

	scanningMu sync.Mutex
	scanning   map[int64]bool
}

func NewManager(db *storage.DB, deviceID string) *Manager {
	return &Manager{db: db, deviceID: deviceID, scanning: map[int64]bool{}}
}

// AddFolder registers a new watched folder; fails with AlreadyExists if
// path is already registered.
func (m *Manager) AddFolder(path, name string, visibility domain.Visibility) (int64, error) {
	var existing int64
	err := m.db.QueryOne(&existing, `SELECT id FROM folders WHERE path = ?`, path)
	if err == nil {
		return 0, ferrors.New(ferrors.AlreadyExists, "folder already registered: "+path)
	}
	if ferrors.KindOf(err) != ferrors.NotFound {
		return 0, err
	}

	res, err := m.db.Execute(
		`INSERT INTO folders (path, name, enabled, default_visibility) VALUES (?, ?, 1, ?)`,
		path, name, visibility,
	)
	if err != nil {
		return 0, err
	}
	return storage.LastInsertID(res)
}

// RemoveFolder deletes a folder; ON DELETE CASCADE removes its files,
// file_tags, file_content, image_metadata and the FTS mirror rows (via
// the files_ad trigger, which fires for cascaded deletes too).
func (m *Manager) RemoveFolder(id int64) error {
	res, err := m.db.Execute(`DELETE FROM folders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := storage.Changes(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ferrors.New(ferrors.NotFound, fmt.Sprintf("folder %d not found", id))
	}
	return nil
}

// ScanFolder drives the scanner (C5) over one folder and upserts every
// discovered entry. It runs entirely on an internally spawned goroutine;
// the returned channel receives exactly one terminal error (nil on
// success) when the scan completes. At most one scan per folder may run
// concurrently — a second call while one is in flight fails immediately
// with Busy.
func (m *Manager) ScanFolder(ctx context.Context, folderID int64, progress ProgressFunc) (<-chan error, error) {
	if err := m.beginScan(folderID); err != nil {
		return nil, err
	}

	var folder domain.Folder
	if err := m.db.QueryOne(&folder, `SELECT * FROM folders WHERE id = ?`, folderID); err != nil {
		m.endScan(folderID)
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		defer m.endScan(folderID)
		defer close(done)
		done <- m.runScan(ctx, folder, progress)
	}()
	return done, nil
}

// ScanAll scans every enabled folder in sequence, reporting progress
// scoped to each folder in turn.
func (m *Manager) ScanAll(ctx context.Context, progress ProgressFunc) (<-chan error, error) {
	var folders []domain.Folder
	if err := m.db.Query(&folders, `SELECT * FROM folders WHERE enabled = 1`); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		defer close(done)
		for _, f := range folders {
			if ctx.Err() != nil {
				done <- ctx.Err()
				return
			}
			sub, err := m.ScanFolder(ctx, f.ID, progress)
			if err != nil {
				l.Warn("scan_all: folder scan failed to start", "folder", f.ID, "error", err)
				continue
			}
			if err := <-sub; err != nil {
				l.Warn("scan_all: folder scan failed", "folder", f.ID, "error", err)
			}
		}
		done <- nil
	}()
	return done, nil
}

func (m *Manager) beginScan(folderID int64) error {
	m.scanningMu.Lock()
	defer m.scanningMu.Unlock()
	if m.scanning[folderID] {
		return ferrors.New(ferrors.Busy, fmt.Sprintf("folder %d is already being scanned", folderID))
	}
	m.scanning[folderID] = true
	return nil
}

func (m *Manager) endScan(folderID int64) {
	m.scanningMu.Lock()
	defer m.scanningMu.Unlock()
	delete(m.scanning, folderID)
}

func (m *Manager) runScan(ctx context.Context, folder domain.Folder, progress ProgressFunc) error {
	w := &scanner.Walker{Root: folder.Path, FolderID: folder.ID}
	entries, errc := w.Walk(ctx)

	processed := 0
	for entry := range entries {
		if err := m.upsert(entry, folder); err != nil {
			l.Warn("upsert failed, skipping file", "path", entry.AbsPath, "error", err)
		}
		processed++
		if progress != nil {
			progress(Progress{Processed: processed, Total: 0, CurrentPath: entry.RelativePath})
		}
	}
	if err := <-errc; err != nil {
		return err
	}

	_, err := m.db.Execute(`UPDATE folders SET last_scan_at = ? WHERE id = ?`, domain.Now(), folder.ID)
	return err
}

// upsert implements the algorithm in spec §4.6: look up by
// (folder_id, relative_path); insert if absent; no-op if size+modified_at
// unchanged; otherwise update, invalidate checksum/content, and bump
// sync_version for Family files.
func (m *Manager) upsert(entry scanner.Entry, folder domain.Folder) error {
	var existing domain.File
	err := m.db.QueryOne(&existing, `SELECT * FROM files WHERE folder_id = ? AND relative_path = ?`,
		entry.FolderID, entry.RelativePath)

	modTime := entry.ModTime.UnixNano()
	name := filepath.Base(entry.RelativePath)
	ext := strings.ToLower(filepath.Ext(name))
	contentType := domain.ContentTypeFromMIME(entry.MimeHint)

	if ferrors.KindOf(err) == ferrors.NotFound {
		// A freshly scanned file has no per-file visibility override, so its
		// effective visibility is just the folder's default (spec §8.4: every
		// Family file, from the moment it is first indexed, carries
		// sync_version > 0 and last_modified_by set to this device).
		if folder.DefaultVisibility == domain.Family {
			_, err := m.db.Execute(
				`INSERT INTO files (folder_id, relative_path, name, extension, size, mime_type, content_type, created_at, modified_at, sync_version, last_modified_by)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
				entry.FolderID, entry.RelativePath, name, ext, entry.Size, entry.MimeHint, contentType, domain.Now(), modTime, m.deviceID,
			)
			if err != nil {
				return err
			}
			return m.maybeExtractImageMetadata(entry, contentType)
		}
		_, err := m.db.Execute(
			`INSERT INTO files (folder_id, relative_path, name, extension, size, mime_type, content_type, created_at, modified_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.FolderID, entry.RelativePath, name, ext, entry.Size, entry.MimeHint, contentType, domain.Now(), modTime,
		)
		if err != nil {
			return err
		}
		return m.maybeExtractImageMetadata(entry, contentType)
	}
	if err != nil {
		return err
	}

	if existing.Size == entry.Size && existing.ModifiedAt == modTime {
		return nil // unchanged: no-op
	}

	scope, err := m.db.Transaction()
	if err != nil {
		return err
	}
	defer scope.Finish()

	effective := domain.EffectiveVisibility(existing, folder.DefaultVisibility)
	bumpSync := effective == domain.Family && existing.SourceDeviceID == nil

	if bumpSync {
		_, err = scope.Execute(
			`UPDATE files SET size = ?, modified_at = ?, mime_type = ?, content_type = ?, checksum = NULL,
			 indexed_at = NULL, sync_version = sync_version + 1, last_modified_by = ? WHERE id = ?`,
			entry.Size, modTime, entry.MimeHint, contentType, m.deviceID, existing.ID,
		)
	} else {
		_, err = scope.Execute(
			`UPDATE files SET size = ?, modified_at = ?, mime_type = ?, content_type = ?, checksum = NULL,
			 indexed_at = NULL WHERE id = ?`,
			entry.Size, modTime, entry.MimeHint, contentType, existing.ID,
		)
	}
	if err != nil {
		return err
	}

	if _, err := scope.Execute(`DELETE FROM file_content WHERE file_id = ?`, existing.ID); err != nil {
		return err
	}

	return scope.Commit()
}

func (m *Manager) maybeExtractImageMetadata(entry scanner.Entry, ct domain.ContentType) error {
	if ct != domain.ContentImage {
		return nil
	}
	// EXIF parsing is an explicitly external leaf data source (spec §1);
	// the index manager only reserves the row so later EXIF ingestion has
	// somewhere to write.
	var fileID int64
	if err := m.db.QueryOne(&fileID, `SELECT id FROM files WHERE folder_id = ? AND relative_path = ?`,
		entry.FolderID, entry.RelativePath); err != nil {
		return err
	}
	_, err := m.db.Execute(`INSERT OR IGNORE INTO image_metadata (file_id) VALUES (?)`, fileID)
	return err
}

// GetFile returns one file by id.
func (m *Manager) GetFile(id int64) (*domain.File, error) {
	var f domain.File
	if err := m.db.QueryOne(&f, `SELECT * FROM files WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetRecent returns the most recently modified files, most recent first.
func (m *Manager) GetRecent(limit int) ([]domain.File, error) {
	var files []domain.File
	err := m.db.Query(&files, `SELECT * FROM files ORDER BY modified_at DESC LIMIT ?`, limit)
	return files, err
}

// GetByFolder paginates the files of one folder.
func (m *Manager) GetByFolder(folderID int64, limit, offset int) ([]domain.File, error) {
	var files []domain.File
	err := m.db.Query(&files,
		`SELECT * FROM files WHERE folder_id = ? ORDER BY relative_path LIMIT ? OFFSET ?`,
		folderID, limit, offset)
	return files, err
}

// GetStats returns the aggregate folder/file counts and total size.
func (m *Manager) GetStats() (Stats, error) {
	var s Stats
	if err := m.db.QueryOne(&s.FolderCount, `SELECT count(*) FROM folders`); err != nil {
		return s, err
	}
	if err := m.db.QueryOne(&s.FileCount, `SELECT count(*) FROM files`); err != nil {
		return s, err
	}
	var total sql.NullInt64
	if err := m.db.QueryOne(&total, `SELECT sum(size) FROM files`); err != nil {
		return s, err
	}
	s.TotalSize = total.Int64
	return s, nil
}

// DeleteFile removes a file row (and, per caller's choice, the file on
// disk is left to the caller). If the file had a known checksum and its
// effective visibility is Family, a tombstone is written so peers can
// propagate the deletion.
func (m *Manager) DeleteFile(id int64, alsoFromDisk bool) error {
	var f domain.File
	if err := m.db.QueryOne(&f, `SELECT * FROM files WHERE id = ?`, id); err != nil {
		return err
	}
	var folder domain.Folder
	if err := m.db.QueryOne(&folder, `SELECT * FROM folders WHERE id = ?`, f.FolderID); err != nil {
		return err
	}

	scope, err := m.db.Transaction()
	if err != nil {
		return err
	}
	defer scope.Finish()

	effective := domain.EffectiveVisibility(f, folder.DefaultVisibility)
	if f.Checksum != nil && effective == domain.Family {
		if _, err := scope.Execute(
			`INSERT OR REPLACE INTO deleted_files (checksum, deleted_at, deleted_by) VALUES (?, ?, ?)`,
			*f.Checksum, domain.Now(), m.deviceID,
		); err != nil {
			return err
		}
	}

	if _, err := scope.Execute(`DELETE FROM files WHERE id = ?`, id); err != nil {
		return err
	}
	if err := scope.Commit(); err != nil {
		return err
	}

	if alsoFromDisk {
		path := filepath.Join(folder.Path, f.RelativePath)
		if err := os.Remove(path); err != nil {
			l.Warn("failed to remove file from disk", "path", path, "error", err)
		}
	}
	return nil
}

func (m *Manager) SetFolderVisibility(folderID int64, visibility domain.Visibility) error {
	_, err := m.db.Execute(`UPDATE folders SET default_visibility = ? WHERE id = ?`, visibility, folderID)
	return err
}

func (m *Manager) SetFolderEnabled(folderID int64, enabled bool) error {
	_, err := m.db.Execute(`UPDATE folders SET enabled = ? WHERE id = ?`, enabled, folderID)
	return err
}

func (m *Manager) SetFileVisibility(fileID int64, visibility domain.Visibility) error {
	_, err := m.db.Execute(`UPDATE files SET visibility = ? WHERE id = ?`, visibility, fileID)
	return err
}

// Optimize rebuilds the FTS index and compacts the database file.
func (m *Manager) Optimize() error {
	if _, err := m.db.Execute(`INSERT INTO files_fts(files_fts) VALUES ('rebuild')`); err != nil {
		return err
	}
	_, err := m.db.Execute(`VACUUM`)
	return err
}
