// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport implements the Secure Transport component (spec.md
// C13): TLS 1.3 PSK-only connections on port 45678 and the custom
// "FVLT"/"FVCH" frame codec carried over them.
//
// The TLS setup is grounded on cmd/syncthing/tls.go's direct use of
// crypto/tls.Config (the teacher's own TLS handling is plain stdlib, no
// wrapper library, which this project follows) generalized from mutual
// X.509 certificates to a PSK-only cipher suite set, since device pairing
// here produces a shared secret rather than a CA-signed identity.
package transport

import (
	"encoding/binary"
	"io"

	"github.com/familyvault/familyvaultd/internal/ferrors"
)

// Frame magic values. FVLT carries a length-prefixed JSON payload for
// request/response traffic (lz4-compressed for IndexSyncResponse); FVCH carries a JSON header
// followed by raw bytes, used for file chunk transfer where avoiding a
// second copy of the payload into a serialized struct matters.
var (
	MagicLight = [4]byte{'F', 'V', 'L', 'T'}
	MagicChunk = [4]byte{'F', 'V', 'C', 'H'}
)

const (
	maxFrameSize = 16 << 20 // 16 MiB
	headerSize   = 4 + 4 + 1 + 1 // magic + length + type + reqIdLen
)

// MessageType identifies the payload carried by an FVLT frame.
type MessageType byte

const (
	TypeIndexSyncRequest MessageType = iota + 1
	TypeIndexSyncResponse
	TypeIndexDelta
	TypeIndexDeltaAck
	TypeFileRequest
	TypeFileMetadata
	TypeFileChunk
	TypeChunkAck
	TypeFileComplete
	TypeFileError
	TypeThumbnailRequest
	TypeThumbnailResponse
	TypeHeartbeat
	TypeHeartbeatAck
	TypeDisconnect
	TypeError
	TypeDeviceInfo
	TypeDeviceInfoAck
)

// Frame is one decoded FVLT message.
type Frame struct {
	Type    MessageType
	ReqID   string
	Payload []byte
}

// WriteFrame encodes and writes an FVLT frame: magic, u32 BE total
// length (of everything after the length field), type byte, reqIdLen
// byte, reqId bytes, payload.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.ReqID) > 255 {
		return ferrors.New(ferrors.InvalidArgument, "request id too long")
	}
	body := make([]byte, 0, 2+len(f.ReqID)+len(f.Payload))
	body = append(body, byte(f.Type), byte(len(f.ReqID)))
	body = append(body, f.ReqID...)
	body = append(body, f.Payload...)

	if len(body) > maxFrameSize {
		return ferrors.New(ferrors.InvalidArgument, "frame exceeds maximum size")
	}

	buf := make([]byte, 0, 4+4+len(body))
	buf = append(buf, MagicLight[:]...)
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(len(body)))
	buf = append(buf, lenField[:]...)
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame blocks until one complete FVLT frame has arrived, or returns
// an error (including io.EOF on clean close).
func ReadFrame(r io.Reader) (Frame, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	if [4]byte(header[:4]) != MagicLight {
		return Frame{}, ferrors.New(ferrors.Network, "bad frame magic")
	}
	length := binary.BigEndian.Uint32(header[4:8])
	if length > maxFrameSize || length < 2 {
		return Frame{}, ferrors.New(ferrors.Network, "invalid frame length")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	msgType := MessageType(body[0])
	reqIDLen := int(body[1])
	if 2+reqIDLen > len(body) {
		return Frame{}, ferrors.New(ferrors.Network, "truncated request id")
	}
	reqID := string(body[2 : 2+reqIDLen])
	payload := body[2+reqIDLen:]

	return Frame{Type: msgType, ReqID: reqID, Payload: payload}, nil
}

// ChunkFrame is the decoded form of an FVCH frame: a JSON header
// describing the chunk, followed by its raw bytes with no re-encoding.
type ChunkFrame struct {
	Header  ChunkHeader
	Payload []byte
}

// ChunkHeader is JSON-encoded and precedes the raw chunk bytes in an
// FVCH frame.
type ChunkHeader struct {
	ReqID      string `json:"reqId"`
	Offset     int64  `json:"offset"`
	TotalSize  int64  `json:"totalSize"`
	ChunkIndex int    `json:"chunkIndex"`
	ChunkCount int    `json:"chunkCount"`
}
