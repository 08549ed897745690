// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements the persisted daemon configuration (spec.md
// A.3): device name, data directory, watched folders, listen port and
// known peers, read from and written to a YAML file at
// <data-dir>/config.yaml. Adapted from the teacher's internal/config
// package, whose Configuration/FolderConfiguration/DeviceConfiguration
// shape and default-value conventions this follows; rewritten from XML
// to YAML (gopkg.in/yaml.v3) because the spec's data model is relational
// rather than document-oriented and YAML is the lighter-weight choice
// already present in the dependency graph.
package config

import (
	"fmt"
	"os"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/transport"
	"gopkg.in/yaml.v3"
)

// Folder is one watched local folder.
type Folder struct {
	Path       string            `yaml:"path"`
	Name       string            `yaml:"name"`
	Visibility domain.Visibility `yaml:"visibility"`
	Enabled    bool              `yaml:"enabled"`
}

// Peer is a known family device, remembered across restarts so it can be
// reconnected to without waiting for a fresh LAN discovery announcement.
type Peer struct {
	DeviceID  string   `yaml:"deviceId"`
	Name      string   `yaml:"name"`
	Addresses []string `yaml:"addresses,omitempty"`
}

// Config is the full persisted daemon configuration.
type Config struct {
	DeviceName string   `yaml:"deviceName"`
	DataDir    string   `yaml:"dataDir"`
	CacheDir   string   `yaml:"cacheDir"`
	ListenPort int      `yaml:"listenPort"`
	MaxSendKbps int     `yaml:"maxSendKbps"`
	MaxRecvKbps int     `yaml:"maxRecvKbps"`
	Folders    []Folder `yaml:"folders"`
	Peers      []Peer   `yaml:"peers"`
}

// Default returns a Config with every unset value at its documented
// default, matching the teacher's `default:"..."` struct-tag convention
// applied at the call site instead of via reflection, since YAML
// unmarshaling into a pre-populated struct already gives the same
// effect without needing the teacher's reflect-based defaults pass.
func Default(dataDir string) Config {
	return Config{
		DataDir:    dataDir,
		CacheDir:   dataDir + "/cache",
		ListenPort: transport.Port,
	}
}

// ReadYAML parses a Config from r, starting from Default's zero values so
// a partial file still produces a usable configuration.
func ReadYAML(r *os.File, dataDir string) (Config, error) {
	cfg := Default(dataDir)
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// WriteYAML serializes cfg to w.
func WriteYAML(w *os.File, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}
