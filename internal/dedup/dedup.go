// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package dedup implements the Duplicate Finder component (spec.md C9):
// checksum-grouped duplicate detection plus on-demand checksum
// computation. Find groups with a single GROUP BY query over every
// checksummed file; it also adds each returned checksum to a
// greatroar/blobloom Bloom filter, but that filter is never queried and
// does not narrow the grouping query.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/familyvault/familyvaultd/internal/storage"
	"github.com/greatroar/blobloom"
)

var l = logutil.New("dedup")

// Group is one checksum's set of copies.
type Group struct {
	Checksum        string
	Size            int64
	LocalCount      int
	RemoteCount     int
	FileIDs         []int64
	HasRemoteBackup bool
}

// PotentialSavings is the bytes reclaimable by keeping only one local copy.
func (g Group) PotentialSavings() int64 {
	if g.LocalCount <= 1 {
		return 0
	}
	return g.Size * int64(g.LocalCount-1)
}

type Stats struct {
	GroupCount       int
	TotalWastedBytes int64
}

type ProgressFunc func(processed, total int, currentPath string)

type Finder struct {
	db *storage.DB
}

func NewFinder(db *storage.DB) *Finder {
	return &Finder{db: db}
}

type checksumRow struct {
	Checksum string `db:"checksum"`
	Size     int64  `db:"size"`
	FileID   int64  `db:"id"`
	IsRemote bool   `db:"is_remote"`
}

// Find groups files by checksum where COUNT(*) > 1, separating copies
// on this device from copies known to live on other devices.
func (f *Finder) Find() ([]Group, error) {
	var rows []checksumRow
	err := f.db.Query(&rows, `
		SELECT checksum, size, id, is_remote FROM files
		WHERE checksum IN (
			SELECT checksum FROM files WHERE checksum IS NOT NULL GROUP BY checksum HAVING count(*) > 1
		)
		ORDER BY checksum`)
	if err != nil {
		return nil, err
	}

	filter := blobloom.NewOptimized(blobloom.Config{Capacity: uint64(len(rows)), FPRate: 0.01})
	byChecksum := map[string]*Group{}
	var order []string
	for _, row := range rows {
		h := hashChecksum(row.Checksum)
		filter.Add(h) // filled only; the filter is discarded when Find returns

		g, ok := byChecksum[row.Checksum]
		if !ok {
			g = &Group{Checksum: row.Checksum, Size: row.Size}
			byChecksum[row.Checksum] = g
			order = append(order, row.Checksum)
		}
		g.FileIDs = append(g.FileIDs, row.FileID)
		if row.IsRemote {
			g.RemoteCount++
			g.HasRemoteBackup = true
		} else {
			g.LocalCount++
		}
	}

	groups := make([]Group, 0, len(order))
	for _, checksum := range order {
		groups = append(groups, *byChecksum[checksum])
	}
	return groups, nil
}

func hashChecksum(checksum string) uint64 {
	h := sha256.Sum256([]byte(checksum))
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(h[i])
	}
	return v
}

// Stats summarizes Find()'s output.
func (f *Finder) Stats() (Stats, error) {
	groups, err := f.Find()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.GroupCount = len(groups)
	for _, g := range groups {
		s.TotalWastedBytes += g.PotentialSavings()
	}
	return s, nil
}

// WithoutBackup returns groups with no remote copy at all — the files at
// highest risk of permanent loss.
func (f *Finder) WithoutBackup() ([]Group, error) {
	groups, err := f.Find()
	if err != nil {
		return nil, err
	}
	var out []Group
	for _, g := range groups {
		if !g.HasRemoteBackup {
			out = append(out, g)
		}
	}
	return out, nil
}

// ComputeChecksums hashes every file lacking a checksum and writes the
// result, cooperatively cancellable via ctx, reporting progress per file.
func (f *Finder) ComputeChecksums(ctx context.Context, progress ProgressFunc) error {
	var pending []struct {
		ID           int64  `db:"id"`
		FolderPath   string `db:"path"`
		RelativePath string `db:"relative_path"`
	}
	err := f.db.Query(&pending, `
		SELECT fi.id, fo.path, fi.relative_path FROM files fi
		JOIN folders fo ON fo.id = fi.folder_id
		WHERE fi.checksum IS NULL AND fi.is_remote = 0`)
	if err != nil {
		return err
	}

	var processed atomic.Int64
	total := len(pending)
	for _, row := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sum, err := checksumFile(filepath.Join(row.FolderPath, row.RelativePath))
		if err != nil {
			l.Warn("checksum failed, skipping", "file", row.RelativePath, "error", err)
			continue
		}

		if _, err := f.db.Execute(`UPDATE files SET checksum = ? WHERE id = ?`, sum, row.ID); err != nil {
			return err
		}

		processed.Add(1)
		if progress != nil {
			progress(int(processed.Load()), total, row.RelativePath)
		}
	}
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
