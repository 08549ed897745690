package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/familyvault/familyvaultd/internal/config"
	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileWrapsDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	w, err := config.Load(path, dir)
	require.NoError(t, err)
	defer w.Stop()

	require.Equal(t, dir, w.Raw().DataDir)
}

func TestSetFolderPersistsAndNotifiesSubscribers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	w, err := config.Load(path, dir)
	require.NoError(t, err)
	defer w.Stop()

	changed := make(chan config.Config, 1)
	w.Subscribe(config.HandlerFunc(func(cfg config.Config) error {
		changed <- cfg
		return nil
	}))

	require.NoError(t, w.SetFolder(config.Folder{Path: "/data/docs", Name: "Docs", Visibility: domain.Family, Enabled: true}))

	select {
	case cfg := <-changed:
		require.Len(t, cfg.Folders, 1)
		require.Equal(t, "/data/docs", cfg.Folders[0].Path)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not notified")
	}

	require.Contains(t, w.Folders(), "/data/docs")

	reloaded, err := config.Load(path, dir)
	require.NoError(t, err)
	defer reloaded.Stop()
	require.Len(t, reloaded.Raw().Folders, 1)
}

func TestSetFolderOverwritesExistingPath(t *testing.T) {
	dir := t.TempDir()
	w, err := config.Load(filepath.Join(dir, "config.yaml"), dir)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.SetFolder(config.Folder{Path: "/data/docs", Name: "Docs", Visibility: domain.Private}))
	require.NoError(t, w.SetFolder(config.Folder{Path: "/data/docs", Name: "Docs Renamed", Visibility: domain.Family}))

	folders := w.Folders()
	require.Len(t, folders, 1)
	require.Equal(t, "Docs Renamed", folders["/data/docs"].Name)
	require.Equal(t, domain.Family, folders["/data/docs"].Visibility)
}

func TestRemoveFolderDropsIt(t *testing.T) {
	dir := t.TempDir()
	w, err := config.Load(filepath.Join(dir, "config.yaml"), dir)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.SetFolder(config.Folder{Path: "/data/docs", Name: "Docs"}))
	require.NoError(t, w.RemoveFolder("/data/docs"))
	require.Empty(t, w.Folders())
}

func TestSetPeerAddsAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	w, err := config.Load(filepath.Join(dir, "config.yaml"), dir)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.SetPeer(config.Peer{DeviceID: "dev-1", Name: "Phone"}))
	require.NoError(t, w.SetPeer(config.Peer{DeviceID: "dev-1", Name: "Phone (renamed)", Addresses: []string{"192.168.1.9:45678"}}))

	peers := w.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "Phone (renamed)", peers["dev-1"].Name)
}
