// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package domain holds the shared entity types and closed enums from the
// data model (spec.md §3), with the numeric encodings from §6 that must
// stay bit-stable across the FFI boundary.
package domain

import "time"

type Visibility int

const (
	Private Visibility = 0
	Family  Visibility = 1
)

type ContentType int

const (
	ContentUnknown  ContentType = 0
	ContentImage    ContentType = 1
	ContentVideo    ContentType = 2
	ContentAudio    ContentType = 3
	ContentDocument ContentType = 4
	ContentArchive  ContentType = 5
	ContentOther    ContentType = 99
)

// ContentTypeFromMIME buckets a detected MIME type into the closed
// ContentType enum, used when the index manager upserts a scanned file.
func ContentTypeFromMIME(mimeType string) ContentType {
	switch {
	case hasPrefix(mimeType, "image/"):
		return ContentImage
	case hasPrefix(mimeType, "video/"):
		return ContentVideo
	case hasPrefix(mimeType, "audio/"):
		return ContentAudio
	case hasPrefix(mimeType, "text/"),
		mimeType == "application/pdf",
		hasPrefix(mimeType, "application/vnd.openxmlformats"),
		hasPrefix(mimeType, "application/vnd.oasis.opendocument"),
		mimeType == "application/msword",
		mimeType == "application/vnd.ms-excel",
		mimeType == "application/vnd.ms-powerpoint",
		mimeType == "application/json",
		mimeType == "application/xml":
		return ContentDocument
	case mimeType == "application/zip", mimeType == "application/x-ole-storage":
		return ContentArchive
	default:
		return ContentOther
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

type TagSource int

const (
	TagUser TagSource = 0
	TagAuto TagSource = 1
	TagAI   TagSource = 2
)

type DeviceType int

const (
	DeviceDesktop DeviceType = 0
	DeviceMobile  DeviceType = 1
	DeviceTablet  DeviceType = 2
)

type SortBy int

const (
	SortRelevance SortBy = 0
	SortName      SortBy = 1
	SortDate      SortBy = 2
	SortSize      SortBy = 3
)

// Folder mirrors the folders table.
type Folder struct {
	ID                 int64      `db:"id"`
	Path               string     `db:"path"`
	Name               string     `db:"name"`
	Enabled            bool       `db:"enabled"`
	LastScanAt         *int64     `db:"last_scan_at"`
	FileCount          int64      `db:"file_count"`
	TotalSize          int64      `db:"total_size"`
	DefaultVisibility  Visibility `db:"default_visibility"`
}

// File mirrors the files table.
type File struct {
	ID             int64       `db:"id"`
	FolderID       int64       `db:"folder_id"`
	RelativePath   string      `db:"relative_path"`
	Name           string      `db:"name"`
	Extension      string      `db:"extension"`
	Size           int64       `db:"size"`
	MimeType       string      `db:"mime_type"`
	ContentType    ContentType `db:"content_type"`
	Checksum       *string     `db:"checksum"`
	CreatedAt      int64       `db:"created_at"`
	ModifiedAt     int64       `db:"modified_at"`
	IndexedAt      *int64      `db:"indexed_at"`
	Visibility     *Visibility `db:"visibility"`
	SourceDeviceID *string     `db:"source_device_id"`
	IsRemote       bool        `db:"is_remote"`
	SyncVersion    int64       `db:"sync_version"`
	LastModifiedBy *string     `db:"last_modified_by"`
}

// EffectiveVisibility resolves File.Visibility against the folder default,
// per spec §3: "COALESCE(file.visibility, folder.default_visibility)".
func EffectiveVisibility(file File, folderDefault Visibility) Visibility {
	if file.Visibility != nil {
		return *file.Visibility
	}
	return folderDefault
}

// ImageMetadata mirrors the image_metadata table.
type ImageMetadata struct {
	FileID      int64    `db:"file_id"`
	Width       *int     `db:"width"`
	Height      *int     `db:"height"`
	TakenAt     *int64   `db:"taken_at"`
	CameraMake  *string  `db:"camera_make"`
	CameraModel *string  `db:"camera_model"`
	Latitude    *float64 `db:"latitude"`
	Longitude   *float64 `db:"longitude"`
	Orientation *int     `db:"orientation"`
}

// FileContent mirrors the file_content table.
type FileContent struct {
	FileID            int64   `db:"file_id"`
	ExtractedText     string  `db:"extracted_text"`
	ExtractionMethod  string  `db:"extraction_method"`
	DetectedLanguage  string  `db:"detected_language"`
	Confidence        float64 `db:"confidence"`
	ExtractedAt       int64   `db:"extracted_at"`
}

// Tag mirrors the tags table.
type Tag struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Source    TagSource `db:"source"`
	CreatedAt int64     `db:"created_at"`
}

// DeletedFile mirrors the deleted_files tombstone table.
type DeletedFile struct {
	Checksum  string `db:"checksum"`
	DeletedAt int64  `db:"deleted_at"`
	DeletedBy string `db:"deleted_by"`
}

// SyncState mirrors the sync_state table.
type SyncState struct {
	DeviceID        string `db:"device_id"`
	LastSyncVersion int64  `db:"last_sync_version"`
	LastSyncAt      int64  `db:"last_sync_at"`
	NeedsFullResync bool   `db:"needs_full_resync"`
}

// WatchedRemoteFile mirrors the watched_remote_files shadow table.
type WatchedRemoteFile struct {
	LocalID        int64   `db:"local_id"`
	RemoteID       int64   `db:"remote_id"`
	SourceDeviceID string  `db:"source_device_id"`
	RelativePath   string  `db:"relative_path"`
	Name           string  `db:"name"`
	MimeType       string  `db:"mime_type"`
	Size           int64   `db:"size"`
	ModifiedAt     int64   `db:"modified_at"`
	Checksum       *string `db:"checksum"`
	SyncedAt       int64   `db:"synced_at"`
	IsDeleted      bool    `db:"is_deleted"`
}

// DiscoveredDevice is in-memory only: never persisted.
type DiscoveredDevice struct {
	DeviceID    string
	DeviceName  string
	DeviceType  DeviceType
	IP          string
	ServicePort int
	LastSeenAt  time.Time
	IsOnline    bool
	IsConnected bool
}

// Now unix-nanosecond helper shared by every component that stamps times
// into integer columns.
func Now() int64 { return time.Now().UnixNano() }
