// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import "bufio"

// ReadAny reads one frame of either kind from r, returning exactly one of
// (frame, chunk) populated depending on isChunk. The secure transport
// connection carries both FVLT control frames and FVCH file-chunk frames
// interleaved on the same stream, so the receive loop must peek the magic
// before committing to a decoder; bufio.Reader.Peek does not advance the
// read position, so the chosen decoder still sees the magic bytes.
func ReadAny(r *bufio.Reader) (frame Frame, chunk ChunkFrame, isChunk bool, err error) {
	magic, err := r.Peek(4)
	if err != nil {
		return Frame{}, ChunkFrame{}, false, err
	}
	if [4]byte(magic) == MagicChunk {
		chunk, err = ReadChunkFrame(r)
		return Frame{}, chunk, true, err
	}
	frame, err = ReadFrame(r)
	return frame, ChunkFrame{}, false, err
}
