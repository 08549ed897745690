// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scanner implements the recursive file-scanning component: it
// walks a folder on a goroutine and streams discovered entries down a
// channel, the same shape the original block-hashing walker used. Block
// hashing is dropped: whole-file checksums are computed on demand by the
// duplicate finder instead of per-block during the walk.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/familyvault/familyvaultd/internal/mime"
)

var l = logutil.New("scanner")

// Entry is one discovered regular file.
type Entry struct {
	AbsPath      string
	RelativePath string
	Size         int64
	ModTime      time.Time
	MimeHint     string
	FolderID     int64
}

// Walker recursively walks Root, yielding Entry values on a channel.
// Symlinks are never followed. Walking is cooperatively cancellable via
// Stop (checked between entries) or via ctx.
type Walker struct {
	Root     string
	FolderID int64
	Stop     *atomic.Bool
}

// Walk returns a channel of discovered entries and a channel that carries
// at most one terminal error. Both channels close when the walk finishes,
// is cancelled, or the root cannot be read at all.
func (w *Walker) Walk(ctx context.Context) (<-chan Entry, <-chan error) {
	entries := make(chan Entry)
	errc := make(chan error, 1)

	if err := checkDir(w.Root); err != nil {
		close(entries)
		errc <- err
		close(errc)
		return entries, errc
	}

	go func() {
		defer close(entries)
		defer close(errc)

		err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			if w.Stop != nil && w.Stop.Load() {
				return filepath.SkipAll
			}
			if err != nil {
				l.Warn("walk error, skipping", "path", path, "error", err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				l.Warn("stat error, skipping", "path", path, "error", err)
				return nil
			}

			rel, err := filepath.Rel(w.Root, path)
			if err != nil {
				return nil
			}

			head := readHead(path)
			entry := Entry{
				AbsPath:      path,
				RelativePath: rel,
				Size:         info.Size(),
				ModTime:      info.ModTime(),
				MimeHint:     mime.Detect(path, head),
				FolderID:     w.FolderID,
			}

			select {
			case entries <- entry:
			case <-ctx.Done():
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			errc <- err
		}
	}()

	return entries, errc
}

func readHead(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	return buf[:n]
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return ferrors.Wrap(ferrors.IO, err, "stat folder root")
	}
	if !info.IsDir() {
		return ferrors.New(ferrors.InvalidArgument, "folder root is not a directory: "+dir)
	}
	return nil
}
