// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package vault implements the Secret Vault component (spec.md C2): a
// small key/opaque-blob store used to hold the family_secret and other
// device credentials, behind a Backend abstraction so the real OS
// credential facility can be swapped in without touching callers. No
// library in the reference corpus wraps a platform keychain (see
// DESIGN.md), so the default Backend is a file-backed store encrypted at
// rest with AES-256-GCM (crypto/aes + crypto/cipher, stdlib) — the same
// cipher the pairing component already uses for the family secret, rather
// than pulling in a second crypto dependency for one extra concern.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/logutil"
)

var l = logutil.New("vault")

// Backend is the OS-credential-facility abstraction. FileBackend is the
// default; MemoryBackend exists purely for tests.
type Backend interface {
	Load() (map[string][]byte, error)
	Save(map[string][]byte) error
}

// Vault serializes all access to a Backend behind a single mutex — entries
// are small and infrequently touched, so a full-map read/modify/write per
// operation is simpler than fine-grained locking.
type Vault struct {
	mu      sync.Mutex
	backend Backend
	ready   bool
}

// New constructs a Vault around backend without touching storage yet.
// Callers must call Init before Store/Retrieve.
func New(backend Backend) *Vault {
	return &Vault{backend: backend}
}

// Init performs the one-time readiness probe: it loads (or creates) the
// backing store once, so later calls fail fast if the backend is broken
// rather than surfacing storage errors scattered across callers.
func (v *Vault) Init() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ready {
		return nil
	}
	if _, err := v.backend.Load(); err != nil {
		return ferrors.Wrap(ferrors.IO, err, "initializing secret vault")
	}
	v.ready = true
	return nil
}

func (v *Vault) requireReady() error {
	if !v.ready {
		return ferrors.New(ferrors.Internal, "vault used before Init")
	}
	return nil
}

// Store writes blob under key, replacing any existing value.
func (v *Vault) Store(key string, blob []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return err
	}
	entries, err := v.backend.Load()
	if err != nil {
		return ferrors.Wrap(ferrors.IO, err, "loading vault entries")
	}
	entries[key] = append([]byte(nil), blob...)
	if err := v.backend.Save(entries); err != nil {
		return ferrors.Wrap(ferrors.IO, err, "saving vault entries")
	}
	return nil
}

// StoreString is a convenience shim over Store for textual secrets.
func (v *Vault) StoreString(key, value string) error {
	return v.Store(key, []byte(value))
}

// Retrieve returns the blob stored under key, or a NotFound error.
func (v *Vault) Retrieve(key string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return nil, err
	}
	entries, err := v.backend.Load()
	if err != nil {
		return nil, ferrors.Wrap(ferrors.IO, err, "loading vault entries")
	}
	blob, ok := entries[key]
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, "no secret stored under key "+key)
	}
	return append([]byte(nil), blob...), nil
}

// RetrieveString is a convenience shim over Retrieve.
func (v *Vault) RetrieveString(key string) (string, error) {
	blob, err := v.Retrieve(key)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// Exists reports whether key has a stored value, without erroring if not.
func (v *Vault) Exists(key string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return false, err
	}
	entries, err := v.backend.Load()
	if err != nil {
		return false, ferrors.Wrap(ferrors.IO, err, "loading vault entries")
	}
	_, ok := entries[key]
	return ok, nil
}

// Remove deletes key if present; removing an absent key is not an error.
func (v *Vault) Remove(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return err
	}
	entries, err := v.backend.Load()
	if err != nil {
		return ferrors.Wrap(ferrors.IO, err, "loading vault entries")
	}
	delete(entries, key)
	if err := v.backend.Save(entries); err != nil {
		return ferrors.Wrap(ferrors.IO, err, "saving vault entries")
	}
	return nil
}

// MemoryBackend keeps entries only in process memory, for tests.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string][]byte{}}
}

func (m *MemoryBackend) Load() (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.entries))
	for k, v := range m.entries {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryBackend) Save(entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string][]byte, len(entries))
	for k, v := range entries {
		m.entries[k] = append([]byte(nil), v...)
	}
	return nil
}

// FileBackend persists entries as a single AES-256-GCM-sealed JSON blob.
// The machine key is itself a random 32-byte value stored alongside with
// 0600 permissions — this protects against casual inspection of the
// vault file, not against an attacker with local root, which the spec
// does not ask for.
type FileBackend struct {
	path    string
	keyPath string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{
		path:    filepath.Join(dir, "vault.sealed"),
		keyPath: filepath.Join(dir, "vault.key"),
	}
}

func (f *FileBackend) Load() (map[string][]byte, error) {
	key, err := f.loadOrCreateKey()
	if err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}

	plain, err := open(key, sealed)
	if err != nil {
		return nil, err
	}

	entries := map[string][]byte{}
	if len(plain) > 0 {
		if err := json.Unmarshal(plain, &entries); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (f *FileBackend) Save(entries map[string][]byte) error {
	key, err := f.loadOrCreateKey()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	sealed, err := seal(key, plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(f.path, sealed, 0o600)
}

func (f *FileBackend) loadOrCreateKey() ([]byte, error) {
	key, err := os.ReadFile(f.keyPath)
	if err == nil && len(key) == 32 {
		return key, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(f.keyPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(f.keyPath, key, 0o600); err != nil {
		return nil, err
	}
	l.Info("generated new vault machine key")
	return key, nil
}

func seal(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ferrors.New(ferrors.Database, "vault file truncated")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
