// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/familyvault/familyvaultd/internal/ferrors"
)

// WriteChunkFrame encodes an FVCH frame: magic, u32 BE length (of header
// length field + header + padding + payload), u32 BE header length, JSON
// header, zero padding up to the next 8-byte boundary, then raw bytes.
// Padding keeps the payload 8-byte aligned for receivers that mmap or
// O_DIRECT the destination file.
func WriteChunkFrame(w io.Writer, cf ChunkFrame) error {
	headerBytes, err := json.Marshal(cf.Header)
	if err != nil {
		return err
	}

	unpadded := 4 + len(headerBytes)
	padding := (8 - unpadded%8) % 8
	body := make([]byte, 0, unpadded+padding+len(cf.Payload))

	var headerLenField [4]byte
	binary.BigEndian.PutUint32(headerLenField[:], uint32(len(headerBytes)))
	body = append(body, headerLenField[:]...)
	body = append(body, headerBytes...)
	body = append(body, make([]byte, padding)...)
	body = append(body, cf.Payload...)

	if len(body) > maxFrameSize {
		return ferrors.New(ferrors.InvalidArgument, "chunk frame exceeds maximum size")
	}

	buf := make([]byte, 0, 8+len(body))
	buf = append(buf, MagicChunk[:]...)
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(len(body)))
	buf = append(buf, lenField[:]...)
	buf = append(buf, body...)

	_, err = w.Write(buf)
	return err
}

// ReadChunkFrame reads one complete FVCH frame.
func ReadChunkFrame(r io.Reader) (ChunkFrame, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return ChunkFrame{}, err
	}
	if [4]byte(header[:4]) != MagicChunk {
		return ChunkFrame{}, ferrors.New(ferrors.Network, "bad chunk frame magic")
	}
	length := binary.BigEndian.Uint32(header[4:8])
	if length > maxFrameSize || length < 4 {
		return ChunkFrame{}, ferrors.New(ferrors.Network, "invalid chunk frame length")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return ChunkFrame{}, err
	}

	headerLen := binary.BigEndian.Uint32(body[:4])
	if int(4+headerLen) > len(body) {
		return ChunkFrame{}, ferrors.New(ferrors.Network, "truncated chunk header")
	}

	var ch ChunkHeader
	if err := json.Unmarshal(body[4:4+headerLen], &ch); err != nil {
		return ChunkFrame{}, err
	}

	rest := body[4+headerLen:]
	padding := (8 - (4+int(headerLen))%8) % 8
	if padding > len(rest) {
		return ChunkFrame{}, ferrors.New(ferrors.Network, "truncated chunk padding")
	}
	payload := rest[padding:]

	return ChunkFrame{Header: ch, Payload: payload}, nil
}
