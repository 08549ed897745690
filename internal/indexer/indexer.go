// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package indexer implements the Content Indexer component (spec.md C7): a
// single-threaded background worker that dequeues un-extracted files,
// runs the text-extractor registry (C4), and writes the result alongside
// the FTS content column in one transaction. It is a suture.Service,
// grounded on the teacher's use of thejerf/suture to supervise long-lived
// workers (internal/model's folder pullers run the same way, restarted by
// the tree on panic rather than by hand-rolled retry loops).
package indexer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/extract"
	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/familyvault/familyvaultd/internal/storage"
)

var l = logutil.New("indexer")

// Progress mirrors spec §4.7's (processed, total, current_path) tuple.
type Progress struct {
	Processed   int
	Total       int
	CurrentPath string
}

type ProgressFunc func(Progress)

// Status is the observable snapshot spec §4.7 requires.
type Status struct {
	Pending     int
	Processed   int
	Failed      int
	Running     bool
	CurrentFile string
}

type workItem struct {
	fileID       int64
	relativePath string
	mimeType     string
}

// Indexer is the Content Indexer. It implements suture.Service: Serve
// drains the queue until ctx is cancelled.
type Indexer struct {
	db       *storage.DB
	registry *extract.Registry
	progress ProgressFunc

	queue chan workItem

	running     atomic.Bool
	processed   atomic.Int64
	failed      atomic.Int64
	currentFile atomic.Value // string

	mu      sync.Mutex
	pending int
}

func New(db *storage.DB, registry *extract.Registry, progress ProgressFunc) *Indexer {
	idx := &Indexer{
		db:       db,
		registry: registry,
		progress: progress,
		queue:    make(chan workItem, 4096),
	}
	idx.currentFile.Store("")
	return idx
}

// Serve implements suture.Service. It is the single worker thread spec
// §4.7 and §5 call for: one goroutine processing the queue in order.
func (idx *Indexer) Serve(ctx context.Context) error {
	idx.running.Store(true)
	defer idx.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-idx.queue:
			if !ok {
				return nil
			}
			idx.processItem(item)
		}
	}
}

// Start enqueues every File row lacking a FileContent row whose MIME is
// handled by the registry, per spec §4.7's start() behavior.
func (idx *Indexer) Start(ctx context.Context) error {
	var rows []struct {
		ID           int64  `db:"id"`
		RelativePath string `db:"relative_path"`
		MimeType     string `db:"mime_type"`
	}
	err := idx.db.Query(&rows, `
		SELECT f.id, f.relative_path, f.mime_type FROM files f
		LEFT JOIN file_content c ON c.file_id = f.id
		WHERE c.file_id IS NULL`)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.pending += len(rows)
	idx.mu.Unlock()

	for _, row := range rows {
		if idx.registry.Pick(row.MimeType) == nil {
			idx.mu.Lock()
			idx.pending--
			idx.mu.Unlock()
			continue
		}
		select {
		case idx.queue <- workItem{fileID: row.ID, relativePath: row.RelativePath, mimeType: row.MimeType}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ProcessFile runs extraction for one file synchronously, on the caller's
// goroutine, bypassing the queue entirely.
func (idx *Indexer) ProcessFile(fileID int64) error {
	var row struct {
		RelativePath string `db:"relative_path"`
		MimeType     string `db:"mime_type"`
	}
	if err := idx.db.QueryOne(&row, `SELECT relative_path, mime_type FROM files WHERE id = ?`, fileID); err != nil {
		return err
	}
	return idx.extractAndStore(workItem{fileID: fileID, relativePath: row.RelativePath, mimeType: row.MimeType})
}

// ReindexAll wipes every FileContent row and re-enqueues everything.
func (idx *Indexer) ReindexAll(ctx context.Context) error {
	if _, err := idx.db.Execute(`DELETE FROM file_content`); err != nil {
		return err
	}
	idx.processed.Store(0)
	idx.failed.Store(0)
	return idx.Start(ctx)
}

// Status returns the current observable snapshot.
func (idx *Indexer) Status() Status {
	idx.mu.Lock()
	pending := idx.pending
	idx.mu.Unlock()
	return Status{
		Pending:     pending,
		Processed:   int(idx.processed.Load()),
		Failed:      int(idx.failed.Load()),
		Running:     idx.running.Load(),
		CurrentFile: idx.currentFile.Load().(string),
	}
}

func (idx *Indexer) processItem(item workItem) {
	idx.currentFile.Store(item.relativePath)
	defer idx.currentFile.Store("")

	if err := idx.extractAndStore(item); err != nil {
		idx.failed.Add(1)
		l.Warn("content extraction failed", "file", item.relativePath, "error", err)
	} else {
		idx.processed.Add(1)
	}

	idx.mu.Lock()
	if idx.pending > 0 {
		idx.pending--
	}
	pending := idx.pending
	idx.mu.Unlock()

	if idx.progress != nil {
		idx.progress(Progress{Processed: int(idx.processed.Load()), Total: pending + int(idx.processed.Load()), CurrentPath: item.relativePath})
	}
}

type fileLocation struct {
	Path         string `db:"path"`
	RelativePath string `db:"relative_path"`
}

func (idx *Indexer) extractAndStore(item workItem) error {
	var loc fileLocation
	err := idx.db.QueryOne(&loc, `
		SELECT fo.path, fi.relative_path FROM files fi
		JOIN folders fo ON fo.id = fi.folder_id
		WHERE fi.id = ?`, item.fileID)
	if err != nil {
		return err
	}

	absPath := joinPath(loc.Path, loc.RelativePath)
	result, err := idx.registry.Extract(absPath, item.mimeType)
	if err != nil {
		return err
	}
	if result == nil {
		return nil // nothing extractable; not a failure
	}

	scope, err := idx.db.Transaction()
	if err != nil {
		return err
	}
	defer scope.Finish()

	if _, err := scope.Execute(
		`INSERT INTO file_content (file_id, extracted_text, extraction_method, detected_language, confidence, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.fileID, result.Text, result.Method, result.Language, result.Confidence, domain.Now(),
	); err != nil {
		return err
	}

	if _, err := scope.Execute(
		`INSERT INTO files_fts(files_fts, rowid, name, relative_path, content)
		 VALUES ('delete', ?, (SELECT name FROM files WHERE id = ?), (SELECT relative_path FROM files WHERE id = ?), '')`,
		item.fileID, item.fileID, item.fileID,
	); err != nil {
		return err
	}
	if _, err := scope.Execute(
		`INSERT INTO files_fts(rowid, name, relative_path, content)
		 VALUES (?, (SELECT name FROM files WHERE id = ?), (SELECT relative_path FROM files WHERE id = ?), ?)`,
		item.fileID, item.fileID, item.fileID, result.Text,
	); err != nil {
		return err
	}
	if _, err := scope.Execute(`UPDATE files SET indexed_at = ? WHERE id = ?`, domain.Now(), item.fileID); err != nil {
		return err
	}

	return scope.Commit()
}

func joinPath(folderPath, relativePath string) string {
	if folderPath == "" {
		return relativePath
	}
	return folderPath + "/" + relativePath
}
