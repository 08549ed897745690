package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWalkYieldsRegularFilesOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(dir, "a.txt"), filepath.Join(dir, "link.txt")))

	w := &Walker{Root: dir, FolderID: 1}
	entries, errc := w.Walk(context.Background())

	var got []string
	for e := range entries {
		got = append(got, e.RelativePath)
	}
	require.NoError(t, <-errc)
	require.ElementsMatch(t, []string{"a.txt", filepath.Join("sub", "b.txt")}, got)
}

func TestWalkStopsCooperatively(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 50; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i%26))+".txt"), []byte("x"), 0o644))
	}

	var stop atomic.Bool
	w := &Walker{Root: dir, FolderID: 1, Stop: &stop}
	entries, errc := w.Walk(context.Background())

	stop.Store(true)
	count := 0
	for range entries {
		count++
	}
	require.NoError(t, <-errc)
	require.Less(t, count, 26)
}

func TestWalkRejectsNonDirectoryRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notadir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	w := &Walker{Root: file, FolderID: 1}
	entries, errc := w.Walk(context.Background())
	for range entries {
	}
	require.Error(t, <-errc)
}
