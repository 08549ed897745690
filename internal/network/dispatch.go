// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package network

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/filetransfer"
	"github.com/familyvault/familyvaultd/internal/syncmgr"
	"github.com/familyvault/familyvaultd/internal/transport"
	"github.com/pierrec/lz4/v4"
)

// compress lz4-frames a JSON payload before it goes on the wire. Index
// sync batches are the only payloads large enough for this to matter;
// file chunks are already near-incompressible and bypass it entirely.
func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(payload []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(payload))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// dispatch routes one decoded control frame from deviceID to the
// component that owns its message type (spec.md §4.16): IndexSync* to
// the Index Sync Manager (C15), File* to Remote File Access (C16),
// anything else is logged and dropped.
func (m *Manager) dispatch(deviceID string, frame transport.Frame) {
	switch frame.Type {
	case transport.TypeIndexSyncRequest:
		m.handleIndexSyncRequest(deviceID, frame)
	case transport.TypeIndexSyncResponse:
		m.handleIndexSyncResponse(deviceID, frame)
	case transport.TypeIndexDelta:
		m.handleIndexDelta(deviceID, frame)
	case transport.TypeIndexDeltaAck:
		// no action needed; delivery is fire-and-forget per record.
	case transport.TypeFileRequest:
		m.handleFileRequest(deviceID, frame)
	case transport.TypeFileMetadata:
		m.handleFileMetadata(deviceID, frame)
	case transport.TypeFileComplete, transport.TypeFileError, transport.TypeChunkAck:
		m.handleFileControlFrame(deviceID, frame)
	case transport.TypeThumbnailRequest, transport.TypeThumbnailResponse:
		l.Debug("thumbnail frame received, not yet wired", "device", deviceID, "type", frame.Type)
	case transport.TypeHeartbeat, transport.TypeHeartbeatAck, transport.TypeDisconnect:
		// TypeHeartbeat is answered by peer.Peer itself before a frame ever
		// reaches OnMessage/this dispatcher; TypeHeartbeatAck and
		// TypeDisconnect need no action beyond the idle timer reset and
		// connection teardown peer.Peer already does.
	case transport.TypeError:
		l.Warn("peer reported protocol error", "device", deviceID, "payload", string(frame.Payload))
	default:
		l.Warn("dropping frame of unknown type", "device", deviceID, "type", frame.Type)
	}
}

func (m *Manager) handleIndexSyncRequest(deviceID string, frame transport.Frame) {
	if m.syncMgr == nil {
		m.sendError(deviceID, frame.ReqID, "sync is not enabled on this device")
		return
	}
	var req syncmgr.IndexSyncRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		m.sendError(deviceID, frame.ReqID, "malformed index sync request")
		return
	}

	batches, err := m.syncMgr.GetLocalChangesSince(req.Since)
	if err != nil {
		m.reportError("syncmgr", err)
		m.sendError(deviceID, frame.ReqID, "failed to enumerate local changes")
		return
	}
	if len(batches) == 0 {
		m.sendIndexSyncBatch(deviceID, frame.ReqID, nil, true)
		return
	}
	for i, batch := range batches {
		m.sendIndexSyncBatch(deviceID, frame.ReqID, batch, i == len(batches)-1)
	}
}

func (m *Manager) sendIndexSyncBatch(deviceID, reqID string, records []syncmgr.FileRecord, terminal bool) {
	resp := syncmgr.IndexSyncResponse{Records: records, Terminal: terminal}
	payload, err := json.Marshal(resp)
	if err != nil {
		m.reportError("syncmgr", err)
		return
	}
	compressed, err := compress(payload)
	if err != nil {
		m.reportError("syncmgr", err)
		return
	}
	m.sendFrame(deviceID, transport.Frame{Type: transport.TypeIndexSyncResponse, ReqID: reqID, Payload: compressed})
}

func (m *Manager) handleIndexSyncResponse(deviceID string, frame transport.Frame) {
	if m.syncMgr == nil {
		return
	}
	payload, err := decompress(frame.Payload)
	if err != nil {
		m.reportError("syncmgr", err)
		return
	}
	var resp syncmgr.IndexSyncResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		m.reportError("syncmgr", err)
		return
	}

	for _, record := range resp.Records {
		if err := m.syncMgr.ApplyRecord(record); err != nil {
			m.reportError("syncmgr", err)
			continue
		}
		metricSyncRecordsAppliedTotal.WithLabelValues(deviceID).Inc()
	}
	m.emit(Event{Type: EventSyncProgress, Payload: SyncProgressPayload{DeviceID: deviceID, ReceivedFiles: len(resp.Records)}})
	if resp.Terminal {
		m.emit(Event{Type: EventSyncComplete, Payload: SyncCompletePayload{DeviceID: deviceID}})
	}
}

func (m *Manager) handleIndexDelta(deviceID string, frame transport.Frame) {
	if m.syncMgr == nil {
		return
	}
	var delta syncmgr.IndexDelta
	if err := json.Unmarshal(frame.Payload, &delta); err != nil {
		m.reportError("syncmgr", err)
		return
	}
	if err := m.syncMgr.ApplyRecord(delta.Record); err != nil {
		m.reportError("syncmgr", err)
		return
	}
	metricSyncRecordsAppliedTotal.WithLabelValues(deviceID).Inc()

	ack, err := json.Marshal(syncmgr.IndexDeltaAck{RemoteID: delta.Record.RemoteID})
	if err == nil {
		m.sendFrame(deviceID, transport.Frame{Type: transport.TypeIndexDeltaAck, ReqID: frame.ReqID, Payload: ack})
	}
}

func (m *Manager) handleFileRequest(deviceID string, frame transport.Frame) {
	if m.ftMgr == nil {
		m.sendError(deviceID, frame.ReqID, "file transfer is not enabled on this device")
		return
	}
	var req filetransfer.FileRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		m.sendError(deviceID, frame.ReqID, "malformed file request")
		return
	}

	path, err := m.ftMgr.HandleFileRequest(req)
	if err != nil {
		// ferrors.NotFound covers both "missing" and "private": the peer
		// never learns which, per spec.md §4.15's visibility gate.
		m.sendError(deviceID, frame.ReqID, ferrors.KindOf(err).String())
		return
	}
	m.serveFile(deviceID, frame.ReqID, req.FileID, path)
}

func (m *Manager) handleFileControlFrame(deviceID string, frame transport.Frame) {
	if m.ftMgr == nil {
		return
	}
	switch frame.Type {
	case transport.TypeFileComplete:
		// Only meaningful to the requester; a no-op if reqID is not one
		// of its tracked downloads (e.g. we are the sender being told
		// the receiver finished).
		m.ftMgr.CompleteDownload(frame.ReqID)
	case transport.TypeFileError:
		m.ftMgr.FailDownload(frame.ReqID, ferrors.New(ferrors.Network, string(frame.Payload)))
	case transport.TypeChunkAck:
		var ack filetransfer.FileChunkAck
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			return
		}
		if ch, ok := m.uploadAcks.Load(frame.ReqID); ok {
			select {
			case ch <- ack.AckedSeq:
			default:
			}
		}
	}
}

func (m *Manager) sendError(deviceID, reqID, message string) {
	m.sendFrame(deviceID, transport.Frame{Type: transport.TypeFileError, ReqID: reqID, Payload: []byte(message)})
}

func (m *Manager) sendFrame(deviceID string, frame transport.Frame) {
	p, ok := m.peers.Load(deviceID)
	if !ok {
		return
	}
	if err := p.Send(frame); err != nil {
		l.Warn("dropping outbound frame", "device", deviceID, "err", err)
	}
}
