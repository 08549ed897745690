package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/familyvault/familyvaultd/internal/config"
	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestReadYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	written := config.Default(dir)
	written.DeviceName = "Living Room NAS"
	written.ListenPort = 45700
	written.Folders = []config.Folder{
		{Path: "/data/photos", Name: "Photos", Visibility: domain.Family, Enabled: true},
	}
	written.Peers = []config.Peer{
		{DeviceID: "dev-1", Name: "Phone", Addresses: []string{"192.168.1.5:45678"}},
	}

	fd, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, config.WriteYAML(fd, written))
	require.NoError(t, fd.Close())

	fd, err = os.Open(path)
	require.NoError(t, err)
	defer fd.Close()

	read, err := config.ReadYAML(fd, dir)
	require.NoError(t, err)
	require.Equal(t, written, read)
}

func TestReadYAMLOnPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deviceName: Garage Pi\n"), 0o644))

	fd, err := os.Open(path)
	require.NoError(t, err)
	defer fd.Close()

	cfg, err := config.ReadYAML(fd, dir)
	require.NoError(t, err)
	require.Equal(t, "Garage Pi", cfg.DeviceName)
	require.Equal(t, dir, cfg.DataDir)
}
