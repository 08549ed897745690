// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package filetransfer

import (
	"fmt"
	"sync"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
)

// minFreeBytesAfterDownload keeps a download from running the cache
// volume down to zero: a transfer that would leave less than this much
// free space is rejected up front instead of failing partway through.
const minFreeBytesAfterDownload = 64 * 1024 * 1024

var l = logutil.New("filetransfer")

// Outcome is the result of a RequestFile call.
type Outcome struct {
	Cached    bool
	LocalPath string
	RequestID string
}

// FileLookup resolves a local file id to its on-disk path and effective
// visibility, used on the serving side of a FileRequest.
type FileLookup func(fileID int64) (path string, visibility domain.Visibility, found bool, err error)

// Callbacks mirror spec §4.15's on_progress/on_complete/on_error.
type Callbacks struct {
	OnProgress func(Progress)
	OnComplete func(Progress)
	OnError    func(Progress)
}

type inflightDownload struct {
	deviceID string
	fileID   int64
	window   *WindowController
	received int64
	total    int64
	abort    func()
}

type Manager struct {
	cache     *Cache
	lookup    FileLookup
	callbacks Callbacks

	mu        sync.Mutex
	downloads map[string]*inflightDownload // keyed by request id
}

func NewManager(cache *Cache, lookup FileLookup, callbacks Callbacks) *Manager {
	return &Manager{
		cache:     cache,
		lookup:    lookup,
		callbacks: callbacks,
		downloads: map[string]*inflightDownload{},
	}
}

// Cache exposes the content-addressed cache so the Network Manager (C17)
// can land inbound chunk bytes directly, without this package having to
// know anything about the wire protocol that delivers them.
func (m *Manager) Cache() *Cache { return m.cache }

// RequestFile resolves a cache hit immediately, or registers a pending
// download and returns its request id for the caller to drive over the
// wire (spec §4.15's request_file).
func (m *Manager) RequestFile(deviceID string, fileID int64, expectedSize int64, checksum string) (Outcome, error) {
	path, hit, err := m.cache.Lookup(deviceID, fileID, checksum)
	if err != nil {
		return Outcome{}, err
	}
	if hit {
		return Outcome{Cached: true, LocalPath: path}, nil
	}

	if err := m.checkFreeSpace(expectedSize); err != nil {
		return Outcome{}, err
	}

	reqID := uuid.NewString()
	m.mu.Lock()
	m.downloads[reqID] = &inflightDownload{deviceID: deviceID, fileID: fileID, window: NewWindowController(), total: expectedSize}
	m.mu.Unlock()

	return Outcome{RequestID: reqID}, nil
}

// HandleFileRequest implements the server-side visibility gate (spec
// §4.15): only Family-visible files are ever served; anything else maps
// to the same "not found" outcome a missing file would produce, so a
// Private file's existence is never observable to a peer.
func (m *Manager) HandleFileRequest(req FileRequest) (path string, err error) {
	path, visibility, found, err := m.lookup(req.FileID)
	if err != nil {
		return "", err
	}
	if !found || visibility != domain.Family {
		return "", ferrors.New(ferrors.NotFound, "file not found")
	}
	return path, nil
}

// OnChunkReceived updates an in-progress download's accounting and
// reports progress. The actual byte write happens in the caller (which
// owns the temp file via Cache.TempWriter); this only tracks state.
func (m *Manager) OnChunkReceived(reqID string, chunk FileChunk) {
	m.mu.Lock()
	dl, ok := m.downloads[reqID]
	if ok {
		dl.received += int64(chunk.ChunkSize)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	progress := Progress{RequestID: reqID, DeviceID: dl.deviceID, FileID: dl.fileID, TotalBytes: dl.total, ReceivedBytes: dl.received}
	if chunk.IsLast {
		progress.IsComplete = true
	}
	if m.callbacks.OnProgress != nil {
		m.callbacks.OnProgress(progress)
	}
}

// CompleteDownload finalizes a download, invoking OnComplete and
// clearing tracking state.
func (m *Manager) CompleteDownload(reqID string) {
	m.mu.Lock()
	dl, ok := m.downloads[reqID]
	delete(m.downloads, reqID)
	m.mu.Unlock()
	if !ok || m.callbacks.OnComplete == nil {
		return
	}
	m.callbacks.OnComplete(Progress{RequestID: reqID, DeviceID: dl.deviceID, FileID: dl.fileID, TotalBytes: dl.total, ReceivedBytes: dl.received, IsComplete: true})
}

// FailDownload reports an error and clears tracking state for reqID.
func (m *Manager) FailDownload(reqID string, cause error) {
	m.mu.Lock()
	dl, ok := m.downloads[reqID]
	delete(m.downloads, reqID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.callbacks.OnError != nil {
		m.callbacks.OnError(Progress{RequestID: reqID, DeviceID: dl.deviceID, FileID: dl.fileID, TotalBytes: dl.total, ReceivedBytes: dl.received, Err: cause})
	}
}

// CancelRequest stops tracking reqID; callers are responsible for
// closing the underlying temp file via Abort and sending no further
// acks, per spec §4.15.
func (m *Manager) CancelRequest(reqID string) {
	m.mu.Lock()
	delete(m.downloads, reqID)
	m.mu.Unlock()
}

// CancelAllForDevice cancels every in-flight download from deviceID,
// firing one FileTransferError per cancelled transfer — called
// automatically when a peer disconnects.
func (m *Manager) CancelAllForDevice(deviceID string) {
	m.mu.Lock()
	var toFail []string
	for reqID, dl := range m.downloads {
		if dl.deviceID == deviceID {
			toFail = append(toFail, reqID)
		}
	}
	m.mu.Unlock()

	for _, reqID := range toFail {
		m.FailDownload(reqID, ferrors.New(ferrors.Network, "peer disconnected"))
	}
}

// checkFreeSpace refuses to start a download that would leave the cache
// volume below minFreeBytesAfterDownload. A failure to probe the
// filesystem at all is not itself fatal here (some filesystems and
// sandboxes don't implement statfs); only a successful probe reporting
// insufficient space rejects the request.
func (m *Manager) checkFreeSpace(expectedSize int64) error {
	usage, err := disk.Usage(m.cache.Dir())
	if err != nil {
		l.Warn("free space probe failed, proceeding anyway", "dir", m.cache.Dir(), "err", err)
		return nil
	}
	if usage.Free < uint64(expectedSize)+minFreeBytesAfterDownload {
		return ferrors.New(ferrors.IO, fmt.Sprintf("insufficient free space: %d bytes free, need %d", usage.Free, expectedSize))
	}
	return nil
}
