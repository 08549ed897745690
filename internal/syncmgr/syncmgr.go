// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package syncmgr implements the Index Sync Manager component (spec.md
// C15): outbound change enumeration, inbound last-write-wins merge into
// the watched_remote_files shadow table, and full-resync detection.
//
// Grounded on internal/storage's Scope transaction pattern for the
// merge step (insert-or-update must be atomic per record) and on the
// teacher's internal/db/sqlite query style for the outbound batch query.
package syncmgr

import (
	"time"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/familyvault/familyvaultd/internal/storage"
)

var l = logutil.New("syncmgr")

const (
	batchSize = 100
	// tombstoneTTL is 30 days expressed in nanoseconds, matching the unit
	// domain.Now() and every stored *_at column use throughout this project.
	tombstoneTTL = int64(30 * 24 * time.Hour)
)

// FileRecord is one entry exchanged in IndexSync traffic.
type FileRecord struct {
	SourceDeviceID string   `json:"sourceDeviceId"`
	RemoteID       int64    `json:"remoteId"`
	RelativePath   string   `json:"relativePath"`
	Name           string   `json:"name"`
	MimeType       string   `json:"mimeType"`
	Size           int64    `json:"size"`
	ModifiedAt     int64    `json:"modifiedAt"`
	Checksum       *string  `json:"checksum,omitempty"`
	SyncVersion    int64    `json:"syncVersion"`
	LastModifiedBy string   `json:"lastModifiedBy"`
	Deleted        bool     `json:"deleted"`
	DeletedAt      *int64   `json:"deletedAt,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// IndexSyncRequest is sent to ask a peer for its changes since t, or for
// a full checksum-only resync when FullSync is set.
type IndexSyncRequest struct {
	Since    int64 `json:"since"`
	FullSync bool  `json:"fullSync"`
}

// IndexSyncResponse carries one batch of changes.
type IndexSyncResponse struct {
	Records  []FileRecord `json:"records"`
	Terminal bool         `json:"terminal"`
}

// IndexDelta is one record sent individually (used for the streaming
// variant instead of a batched response).
type IndexDelta struct {
	Record FileRecord `json:"record"`
}

// IndexDeltaAck acknowledges receipt of one IndexDelta.
type IndexDeltaAck struct {
	RemoteID int64 `json:"remoteId"`
}

// Progress is reported to the caller as sync proceeds.
type Progress struct {
	DeviceID      string
	TotalFiles    int
	ReceivedFiles int
	SentFiles     int
	IsComplete    bool
}

type ProgressFunc func(Progress)

type Manager struct {
	db       *storage.DB
	deviceID string
}

func NewManager(db *storage.DB, deviceID string) *Manager {
	return &Manager{db: db, deviceID: deviceID}
}

// GetLocalChangesSince returns Family files modified after t, and
// tombstones deleted after t, split into batches of 100 per spec §4.14.
// Private files are never included.
func (m *Manager) GetLocalChangesSince(since int64) ([][]FileRecord, error) {
	var files []domain.File
	err := m.db.Query(&files, `
		SELECT f.* FROM files f
		JOIN folders fo ON fo.id = f.folder_id
		WHERE f.modified_at > ? AND f.is_remote = 0
		  AND COALESCE(f.visibility, fo.default_visibility) = ?
		ORDER BY f.modified_at`, since, domain.Family)
	if err != nil {
		return nil, err
	}

	records := make([]FileRecord, 0, len(files))
	for _, f := range files {
		lastModBy := ""
		if f.LastModifiedBy != nil {
			lastModBy = *f.LastModifiedBy
		}
		records = append(records, FileRecord{
			SourceDeviceID: m.deviceID,
			RemoteID:       f.ID,
			RelativePath:   f.RelativePath,
			Name:           f.Name,
			MimeType:       f.MimeType,
			Size:           f.Size,
			ModifiedAt:     f.ModifiedAt,
			Checksum:       f.Checksum,
			SyncVersion:    f.SyncVersion,
			LastModifiedBy: lastModBy,
		})
	}

	var tombstones []struct {
		Checksum  string `db:"checksum"`
		DeletedAt int64  `db:"deleted_at"`
		DeletedBy string `db:"deleted_by"`
	}
	if err := m.db.Query(&tombstones, `SELECT checksum, deleted_at, deleted_by FROM deleted_files WHERE deleted_at > ?`, since); err != nil {
		return nil, err
	}
	for _, ts := range tombstones {
		deletedAt := ts.DeletedAt
		records = append(records, FileRecord{
			SourceDeviceID: m.deviceID,
			Checksum:       &ts.Checksum,
			Deleted:        true,
			DeletedAt:      &deletedAt,
			LastModifiedBy: ts.DeletedBy,
		})
	}

	return chunk(records, batchSize), nil
}

func chunk(records []FileRecord, size int) [][]FileRecord {
	if len(records) == 0 {
		return nil
	}
	var batches [][]FileRecord
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[i:end])
	}
	return batches
}

// ApplyRecord merges one inbound record into the watched_remote_files
// shadow table, resolving conflicts by sync_version, then modified_at,
// then lexicographic last_modified_by (spec §4.14).
func (m *Manager) ApplyRecord(record FileRecord) error {
	if record.Deleted {
		return m.applyTombstone(record)
	}

	scope, err := m.db.Transaction()
	if err != nil {
		return err
	}
	defer scope.Finish()

	var existing struct {
		LocalID        int64   `db:"local_id"`
		SyncVersion    int64   `db:"sync_version"`
		ModifiedAt     int64   `db:"modified_at"`
		LastModifiedBy *string `db:"last_modified_by"`
	}
	err = scope.QueryOne(&existing, `
		SELECT local_id, sync_version, modified_at, last_modified_by FROM watched_remote_files
		WHERE source_device_id = ? AND remote_id = ?`, record.SourceDeviceID, record.RemoteID)

	now := domain.Now()
	checksum := record.Checksum

	switch {
	case ferrors.KindOf(err) == ferrors.NotFound:
		_, err = scope.Execute(`
			INSERT INTO watched_remote_files
				(remote_id, source_device_id, relative_path, name, mime_type, size, modified_at, checksum, synced_at, is_deleted, sync_version, last_modified_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			record.RemoteID, record.SourceDeviceID, record.RelativePath, record.Name,
			record.MimeType, record.Size, record.ModifiedAt, checksum, now,
			record.SyncVersion, record.LastModifiedBy)
	case err != nil:
		return err
	default:
		existingModBy := ""
		if existing.LastModifiedBy != nil {
			existingModBy = *existing.LastModifiedBy
		}
		if !winsOver(record, existing.SyncVersion, existing.ModifiedAt, existingModBy) {
			return scope.Commit()
		}
		_, err = scope.Execute(`
			UPDATE watched_remote_files SET
				relative_path = ?, name = ?, mime_type = ?, size = ?, modified_at = ?, checksum = ?, synced_at = ?, is_deleted = 0,
				sync_version = ?, last_modified_by = ?
			WHERE local_id = ?`,
			record.RelativePath, record.Name, record.MimeType, record.Size,
			record.ModifiedAt, checksum, now,
			record.SyncVersion, record.LastModifiedBy, existing.LocalID)
	}
	if err != nil {
		return err
	}
	return scope.Commit()
}

// winsOver decides whether an incoming record should replace an existing
// shadow row per the tiebreak order: sync_version, then modified_at,
// then lexicographic last_modified_by.
func winsOver(record FileRecord, existingSyncVersion, existingModifiedAt int64, existingModifiedBy string) bool {
	if record.SyncVersion != existingSyncVersion {
		return record.SyncVersion > existingSyncVersion
	}
	if record.ModifiedAt != existingModifiedAt {
		return record.ModifiedAt > existingModifiedAt
	}
	return record.LastModifiedBy > existingModifiedBy
}

func (m *Manager) applyTombstone(record FileRecord) error {
	if record.Checksum == nil {
		return nil
	}
	_, err := m.db.Execute(`
		UPDATE watched_remote_files SET is_deleted = 1 WHERE checksum = ?`, *record.Checksum)
	return err
}

// NeedsFullResync reports whether the 30-day tombstone TTL has elapsed
// since the last successful sync with deviceID.
func (m *Manager) NeedsFullResync(deviceID string, now int64) (bool, error) {
	var state struct {
		LastSyncAt int64 `db:"last_sync_at"`
	}
	err := m.db.QueryOne(&state, `SELECT last_sync_at FROM sync_state WHERE device_id = ?`, deviceID)
	if ferrors.KindOf(err) == ferrors.NotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return now-state.LastSyncAt > tombstoneTTL, nil
}

// MarkSynced records a successful sync pass with deviceID, clearing the
// full-resync flag.
func (m *Manager) MarkSynced(deviceID string, syncVersion, now int64) error {
	_, err := m.db.Execute(`
		INSERT INTO sync_state (device_id, last_sync_version, last_sync_at, needs_full_resync)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(device_id) DO UPDATE SET
			last_sync_version = excluded.last_sync_version,
			last_sync_at = excluded.last_sync_at,
			needs_full_resync = 0`, deviceID, syncVersion, now)
	return err
}

// ResurrectionCandidates returns remote files present in a full checksum
// exchange that are not already known locally — surfaced upward rather
// than auto-applied, per spec §4.14.
func (m *Manager) ResurrectionCandidates(deviceID string, remoteChecksums []string) ([]string, error) {
	var candidates []string
	for _, sum := range remoteChecksums {
		var count int64
		if err := m.db.QueryOne(&count, `SELECT count(*) FROM files WHERE checksum = ?`, sum); err != nil {
			return nil, err
		}
		if count == 0 {
			candidates = append(candidates, sum)
		}
	}
	return candidates, nil
}
