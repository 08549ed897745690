// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/familyvault/familyvaultd/internal/logutil"
)

var l = logutil.New("config")

// Handler is notified whenever the wrapped configuration changes,
// mirroring the teacher's config.Handler/HandlerFunc pair.
type Handler interface {
	Changed(Config) error
}

type HandlerFunc func(Config) error

func (fn HandlerFunc) Changed(cfg Config) error { return fn(cfg) }

// Wrapper guards a Config with a mutex, persists it to disk on every
// change, and notifies registered Handlers — the same
// load/save/notify shape as the teacher's config.Wrapper, generalized
// from XML to YAML.
type Wrapper struct {
	cfg  Config
	path string

	mut       sync.Mutex
	folderMap map[string]Folder
	peerMap   map[string]Peer

	replaces chan Config

	sMut sync.Mutex
	subs []Handler
}

// Wrap ties an in-memory Config to a path on disk and starts its
// change-notification loop.
func Wrap(path string, cfg Config) *Wrapper {
	w := &Wrapper{cfg: cfg, path: path, replaces: make(chan Config)}
	go w.Serve()
	return w
}

// Load reads an existing YAML config file and wraps it. If the file does
// not exist, a Default configuration rooted at dataDir is wrapped
// instead and nothing is written until the first Save.
func Load(path, dataDir string) (*Wrapper, error) {
	fd, err := os.Open(path)
	if os.IsNotExist(err) {
		return Wrap(path, Default(dataDir)), nil
	}
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	cfg, err := ReadYAML(fd, dataDir)
	if err != nil {
		return nil, err
	}
	return Wrap(path, cfg), nil
}

// Serve delivers each replaced Config to every subscribed Handler. It is
// started automatically by Wrap and should not be run manually.
func (w *Wrapper) Serve() {
	for cfg := range w.replaces {
		w.sMut.Lock()
		subs := append([]Handler(nil), w.subs...)
		w.sMut.Unlock()
		for _, h := range subs {
			if err := h.Changed(cfg); err != nil {
				l.Warn("config handler rejected change", "err", err)
			}
		}
	}
}

// Stop ends the Serve loop. A Replace/Set call after Stop persists the
// change and then panics sending on the closed channel, so callers must
// not use the Wrapper again.
func (w *Wrapper) Stop() {
	close(w.replaces)
}

// Subscribe registers h to be called on every future configuration
// change. A handler subscribed from inside another Handler is not called
// for the change in progress: Serve snapshots the subscriber list before
// notifying.
func (w *Wrapper) Subscribe(h Handler) {
	w.sMut.Lock()
	w.subs = append(w.subs, h)
	w.sMut.Unlock()
}

// Raw returns a copy of the currently wrapped Config.
func (w *Wrapper) Raw() Config {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.cfg
}

// Replace swaps the wrapped Config for cfg, invalidates derived caches,
// persists to disk, and notifies subscribers.
func (w *Wrapper) Replace(cfg Config) error {
	w.mut.Lock()
	w.cfg = cfg
	w.folderMap = nil
	w.peerMap = nil
	w.mut.Unlock()

	if err := w.Save(); err != nil {
		return err
	}
	w.replaces <- cfg
	return nil
}

// Folders returns the configured folders keyed by their filesystem path.
func (w *Wrapper) Folders() map[string]Folder {
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.folderMap == nil {
		w.folderMap = make(map[string]Folder, len(w.cfg.Folders))
		for _, f := range w.cfg.Folders {
			w.folderMap[f.Path] = f
		}
	}
	return w.folderMap
}

// SetFolder adds fld, or overwrites the existing folder at the same
// path, then persists and notifies.
func (w *Wrapper) SetFolder(fld Folder) error {
	w.mut.Lock()
	w.folderMap = nil
	for i := range w.cfg.Folders {
		if w.cfg.Folders[i].Path == fld.Path {
			w.cfg.Folders[i] = fld
			cfg := w.cfg
			w.mut.Unlock()
			return w.commit(cfg)
		}
	}
	w.cfg.Folders = append(w.cfg.Folders, fld)
	cfg := w.cfg
	w.mut.Unlock()
	return w.commit(cfg)
}

// RemoveFolder drops the folder at path, if any.
func (w *Wrapper) RemoveFolder(path string) error {
	w.mut.Lock()
	w.folderMap = nil
	kept := w.cfg.Folders[:0]
	for _, f := range w.cfg.Folders {
		if f.Path != path {
			kept = append(kept, f)
		}
	}
	w.cfg.Folders = kept
	cfg := w.cfg
	w.mut.Unlock()
	return w.commit(cfg)
}

// Peers returns the configured peers keyed by device id.
func (w *Wrapper) Peers() map[string]Peer {
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.peerMap == nil {
		w.peerMap = make(map[string]Peer, len(w.cfg.Peers))
		for _, p := range w.cfg.Peers {
			w.peerMap[p.DeviceID] = p
		}
	}
	return w.peerMap
}

// SetPeer adds p, or overwrites the existing peer with the same device
// id, then persists and notifies.
func (w *Wrapper) SetPeer(p Peer) error {
	w.mut.Lock()
	w.peerMap = nil
	for i := range w.cfg.Peers {
		if w.cfg.Peers[i].DeviceID == p.DeviceID {
			w.cfg.Peers[i] = p
			cfg := w.cfg
			w.mut.Unlock()
			return w.commit(cfg)
		}
	}
	w.cfg.Peers = append(w.cfg.Peers, p)
	cfg := w.cfg
	w.mut.Unlock()
	return w.commit(cfg)
}

// commit persists cfg and notifies subscribers without re-taking mut,
// used by the Set* helpers which have already released it.
func (w *Wrapper) commit(cfg Config) error {
	if err := w.Save(); err != nil {
		return err
	}
	w.replaces <- cfg
	return nil
}

// Save writes the wrapped configuration to disk via a temp-file-then-
// rename, so a reader never observes a half-written config.yaml —
// the same atomic-landing idiom internal/filetransfer's Cache uses for
// downloaded file bytes.
func (w *Wrapper) Save() error {
	w.mut.Lock()
	cfg := w.cfg
	path := w.path
	w.mut.Unlock()

	fd, err := os.CreateTemp(filepath.Dir(path), "config-*.yaml")
	if err != nil {
		return err
	}
	tmpName := fd.Name()
	defer os.Remove(tmpName)

	if err := WriteYAML(fd, cfg); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
