// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package filetransfer implements the Remote File Access component
// (spec.md C16): a content-addressed local cache for files pulled from
// peers, the server-side visibility gate, and the sliding-window chunked
// transfer protocol.
//
// Grounded on internal/dedup's checksum-as-identity convention (C9) for
// the cache key shape. A completed download is landed by writing to a
// temp file and renaming it, so a partially-written file is never
// exposed under its final name.
package filetransfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/familyvault/familyvaultd/internal/ferrors"
)

// Cache is the content-addressed store C16 exclusively owns, keyed by
// (device_id, file_id) per spec §4.15.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir returns the cache's backing directory, so callers can probe free
// space on the filesystem it lives on before accepting a large download.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) keyPath(deviceID string, fileID int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", deviceID, fileID)))
	return filepath.Join(c.dir, hex.EncodeToString(h[:]))
}

// Lookup returns the cached path for (deviceID, fileID) if present, and
// (when expectedChecksum is non-empty) only if it matches.
func (c *Cache) Lookup(deviceID string, fileID int64, expectedChecksum string) (string, bool, error) {
	path := c.keyPath(deviceID, fileID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, ferrors.Wrap(ferrors.IO, err, "stat cache entry")
	}
	if expectedChecksum == "" {
		return path, true, nil
	}

	sum, err := checksumFile(path)
	if err != nil {
		return "", false, err
	}
	if sum != expectedChecksum {
		return "", false, nil
	}
	return path, true, nil
}

// TempWriter returns a writer for an in-progress download plus a Finish
// function that atomically renames the completed temp file into the
// cache under (deviceID, fileID).
func (c *Cache) TempWriter(deviceID string, fileID int64) (*os.File, func() error, error) {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return nil, nil, ferrors.Wrap(ferrors.IO, err, "creating cache directory")
	}
	tmp, err := os.CreateTemp(c.dir, fmt.Sprintf("download-%d-*.tmp", fileID))
	if err != nil {
		return nil, nil, ferrors.Wrap(ferrors.IO, err, "creating temp file")
	}

	finalPath := c.keyPath(deviceID, fileID)
	finish := func() error {
		if err := tmp.Close(); err != nil {
			return ferrors.Wrap(ferrors.IO, err, "closing temp file")
		}
		if err := os.Rename(tmp.Name(), finalPath); err != nil {
			return ferrors.Wrap(ferrors.IO, err, "renaming completed download")
		}
		return nil
	}
	return tmp, finish, nil
}

// Abort removes a temp file without renaming it into the cache, used by
// cancel_request and by transfer failures.
func Abort(tmp *os.File) error {
	name := tmp.Name()
	tmp.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return ferrors.Wrap(ferrors.IO, err, "removing aborted download")
	}
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", ferrors.Wrap(ferrors.IO, err, "opening cache entry")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", ferrors.Wrap(ferrors.IO, err, "reading cache entry")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
