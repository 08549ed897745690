// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package statsdb implements the device and folder activity statistics
// this spec supplements onto the original distillation (not present in
// spec.md, grounded on original_source/'s internal/stats package): when
// a known family device was last seen connected, and what file a folder
// last received from a peer. Adapted from the teacher's
// DeviceStatisticsReference/FolderStatisticsReference, which keyed a
// LevelDB instance by a byte-packed (type, device-id) or namespaced
// string key; this project already has a SQLite handle for everything
// else (internal/storage C1), so the same facts live in two small
// tables there instead of a second embedded store.
package statsdb

import (
	"time"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/storage"
)

// DeviceStats is the last-seen record for one known device.
type DeviceStats struct {
	DeviceID string `db:"device_id"`
	LastSeen int64  `db:"last_seen"`
}

// LastFile is the most recently received file for one folder.
type LastFile struct {
	At       int64  `db:"last_file_at"`
	Filename string `db:"last_file_name"`
}

// DB records device and folder activity, grounded on the teacher's
// DeviceStatisticsReference/FolderStatisticsReference pair but backed by
// the shared storage.DB instead of a dedicated LevelDB handle.
type DB struct {
	db *storage.DB
}

func New(db *storage.DB) *DB {
	return &DB{db: db}
}

// WasSeen records deviceID as seen right now, matching the teacher's
// DeviceStatisticsReference.WasSeen.
func (s *DB) WasSeen(deviceID string) error {
	_, err := s.db.Execute(`
		INSERT INTO device_stats (device_id, last_seen) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET last_seen = excluded.last_seen`,
		deviceID, domain.Now())
	return err
}

// LastSeen returns when deviceID was last seen, or the zero time if it
// never has been.
func (s *DB) LastSeen(deviceID string) (time.Time, error) {
	var row DeviceStats
	err := s.db.QueryOne(&row, `SELECT device_id, last_seen FROM device_stats WHERE device_id = ?`, deviceID)
	if ferrors.KindOf(err) == ferrors.NotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, row.LastSeen), nil
}

// ReceivedFile records filename as the most recently received file for
// folderID, matching the teacher's FolderStatisticsReference.ReceivedFile.
func (s *DB) ReceivedFile(folderID int64, filename string) error {
	_, err := s.db.Execute(`
		INSERT INTO folder_stats (folder_id, last_file_at, last_file_name) VALUES (?, ?, ?)
		ON CONFLICT(folder_id) DO UPDATE SET last_file_at = excluded.last_file_at, last_file_name = excluded.last_file_name`,
		folderID, domain.Now(), filename)
	return err
}

// LastReceivedFile returns the most recently received file for folderID,
// or a zero LastFile if none has been recorded yet.
func (s *DB) LastReceivedFile(folderID int64) (LastFile, error) {
	var row LastFile
	err := s.db.QueryOne(&row, `SELECT last_file_at, last_file_name FROM folder_stats WHERE folder_id = ?`, folderID)
	if ferrors.KindOf(err) == ferrors.NotFound {
		return LastFile{}, nil
	}
	if err != nil {
		return LastFile{}, err
	}
	return row, nil
}

// Forget drops every recorded stat for deviceID, mirroring the teacher's
// DeviceStatisticsReference.Delete. Nothing in this module calls it:
// config.Wrapper has no peer-removal operation to hook it to.
func (s *DB) Forget(deviceID string) error {
	_, err := s.db.Execute(`DELETE FROM device_stats WHERE device_id = ?`, deviceID)
	return err
}
