// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package network

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/filetransfer"
	"github.com/familyvault/familyvaultd/internal/transport"
)

// activeDownload tracks one inbound transfer's cache-bound temp file
// between the FileMetadata frame and the final FVCH chunk.
type activeDownload struct {
	tmp      *os.File
	finish   func() error
	deviceID string
	fileID   int64
	received int64
}

// RequestFile asks deviceID for fileID, serving a cache hit immediately
// and otherwise sending a FileRequest and preparing to receive chunks
// (spec.md §4.15).
func (m *Manager) RequestFile(deviceID string, fileID, expectedSize int64, checksum string) (filetransfer.Outcome, error) {
	if m.ftMgr == nil {
		return filetransfer.Outcome{}, ferrors.New(ferrors.InvalidArgument, "file transfer is not enabled on this device")
	}
	outcome, err := m.ftMgr.RequestFile(deviceID, fileID, expectedSize, checksum)
	if err != nil || outcome.Cached {
		return outcome, err
	}

	payload, err := json.Marshal(filetransfer.FileRequest{FileID: fileID, ExpectedSize: expectedSize, Checksum: checksum})
	if err != nil {
		return filetransfer.Outcome{}, ferrors.Wrap(ferrors.Internal, err, "encoding file request")
	}
	m.sendFrame(deviceID, transport.Frame{Type: transport.TypeFileRequest, ReqID: outcome.RequestID, Payload: payload})
	return outcome, nil
}

// handleFileMetadata opens the cache's temp-file destination for an
// inbound download once its size/chunk-count are known.
func (m *Manager) handleFileMetadata(deviceID string, frame transport.Frame) {
	if m.ftMgr == nil {
		return
	}
	var meta filetransfer.FileMetadata
	if err := json.Unmarshal(frame.Payload, &meta); err != nil {
		m.reportError("filetransfer", err)
		return
	}
	tmp, finish, err := m.ftMgr.Cache().TempWriter(deviceID, meta.FileID)
	if err != nil {
		m.reportError("filetransfer", err)
		return
	}
	m.downloads.Store(frame.ReqID, &activeDownload{tmp: tmp, finish: finish, deviceID: deviceID, fileID: meta.FileID})
}

// dispatchChunk lands one FVCH chunk into its download's temp file, in
// the ascending-offset order TCP already guarantees within a connection
// (spec.md §5's ordering guarantee), ack'ing and finalizing on the last
// chunk.
func (m *Manager) dispatchChunk(deviceID string, cf transport.ChunkFrame) {
	if m.ftMgr == nil {
		return
	}
	dl, ok := m.downloads.Load(cf.Header.ReqID)
	if !ok {
		return
	}

	if _, err := dl.tmp.Write(cf.Payload); err != nil {
		m.reportError("filetransfer", err)
		m.ftMgr.FailDownload(cf.Header.ReqID, err)
		m.downloads.Delete(cf.Header.ReqID)
		return
	}
	dl.received += int64(len(cf.Payload))
	metricFileTransferBytesTotal.WithLabelValues("in").Add(float64(len(cf.Payload)))

	isLast := cf.Header.ChunkIndex == cf.Header.ChunkCount-1
	m.ftMgr.OnChunkReceived(cf.Header.ReqID, filetransfer.FileChunk{
		FileID:    dl.fileID,
		Offset:    cf.Header.Offset,
		ChunkSize: len(cf.Payload),
		IsLast:    isLast,
		Seq:       cf.Header.ChunkIndex,
	})

	if ack, err := json.Marshal(filetransfer.FileChunkAck{AckedSeq: cf.Header.ChunkIndex}); err == nil {
		m.sendFrame(deviceID, transport.Frame{Type: transport.TypeChunkAck, ReqID: cf.Header.ReqID, Payload: ack})
	}

	if !isLast {
		return
	}
	if err := dl.finish(); err != nil {
		m.reportError("filetransfer", err)
		m.ftMgr.FailDownload(cf.Header.ReqID, err)
	} else {
		m.ftMgr.CompleteDownload(cf.Header.ReqID)
	}
	m.downloads.Delete(cf.Header.ReqID)
	m.sendFrame(deviceID, transport.Frame{Type: transport.TypeFileComplete, ReqID: cf.Header.ReqID})
}

// serveFile announces fileId's metadata and hands the byte-streaming
// loop to its own goroutine, so a slow receiver never blocks the peer's
// shared send/receive loop.
func (m *Manager) serveFile(deviceID, reqID string, fileID int64, path string) {
	info, err := os.Stat(path)
	if err != nil {
		m.sendError(deviceID, reqID, "file unavailable")
		return
	}

	meta := filetransfer.FileMetadata{
		FileID:     fileID,
		Size:       info.Size(),
		ChunkSize:  filetransfer.ChunkSize,
		ChunkCount: int((info.Size() + filetransfer.ChunkSize - 1) / filetransfer.ChunkSize),
	}
	if meta.ChunkCount == 0 {
		meta.ChunkCount = 1 // a zero-byte file still gets one (empty) chunk, so ChunkIndex==ChunkCount-1 still marks "last"
	}
	metaPayload, err := json.Marshal(meta)
	if err != nil {
		m.reportError("filetransfer", err)
		return
	}
	m.sendFrame(deviceID, transport.Frame{Type: transport.TypeFileMetadata, ReqID: reqID, Payload: metaPayload})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runFileSender(deviceID, reqID, path, meta)
	}()
}

func (m *Manager) runFileSender(deviceID, reqID, path string, meta filetransfer.FileMetadata) {
	f, err := os.Open(path)
	if err != nil {
		m.sendError(deviceID, reqID, "file unavailable")
		return
	}
	defer f.Close()

	ackCh := make(chan int, filetransfer.InitialWindow)
	m.uploadAcks.Store(reqID, ackCh)
	defer m.uploadAcks.Delete(reqID)

	window := filetransfer.NewWindowController()
	buf := make([]byte, filetransfer.ChunkSize)
	stallTicker := time.NewTicker(time.Second)
	defer stallTicker.Stop()

	if meta.ChunkCount == 1 && meta.Size == 0 {
		// A zero-byte file has nothing to Read, but the receiver still
		// needs exactly one chunk to observe isLast and complete.
		p, ok := m.peers.Load(deviceID)
		if !ok {
			return
		}
		if err := p.SendChunk(transport.ChunkFrame{
			Header: transport.ChunkHeader{
				ReqID:      reqID,
				Offset:     0,
				TotalSize:  0,
				ChunkIndex: 0,
				ChunkCount: 1,
			},
			Payload: []byte{},
		}); err != nil {
			return
		}
		metricFileTransferBytesTotal.WithLabelValues("out").Add(0)
		return
	}

	var offset int64
	for seq := 0; seq < meta.ChunkCount; {
		for !window.CanSend() {
			select {
			case acked := <-ackCh:
				window.Ack(acked, time.Now())
			case <-stallTicker.C:
				if aborted, _ := window.CheckStall(time.Now()); aborted {
					m.sendError(deviceID, reqID, "transfer aborted after repeated ack timeouts")
					return
				}
			}
		}

		n, readErr := f.Read(buf)
		if n == 0 {
			if readErr != nil && readErr != io.EOF {
				m.sendError(deviceID, reqID, "read error")
			}
			break
		}

		p, ok := m.peers.Load(deviceID)
		if !ok {
			return
		}
		if err := p.SendChunk(transport.ChunkFrame{
			Header: transport.ChunkHeader{
				ReqID:      reqID,
				Offset:     offset,
				TotalSize:  meta.Size,
				ChunkIndex: seq,
				ChunkCount: meta.ChunkCount,
			},
			Payload: append([]byte(nil), buf[:n]...),
		}); err != nil {
			return
		}
		metricFileTransferBytesTotal.WithLabelValues("out").Add(float64(n))
		window.MarkSent(seq, time.Now())
		offset += int64(n)
		seq++
		if readErr == io.EOF {
			break
		}
	}
}
