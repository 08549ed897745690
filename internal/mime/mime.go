// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mime implements the MIME Detector component (spec.md C3): a pure
// function from a filename and a sample of its leading bytes to a MIME
// type string, magic-byte signatures first and extension fallback second.
package mime

import (
	"bytes"
	"path/filepath"
	"strings"
)

const DefaultType = "application/octet-stream"

type signature struct {
	prefix []byte
	offset int
	mime   string
}

// signatures are checked in order; the first match wins. No prefix here
// is a prefix of another. Office/ODF files have no entry of their own:
// they match ZIP, which is refined by extension below.
var signatures = []signature{
	{prefix: []byte("%PDF-"), mime: "application/pdf"},
	{prefix: []byte("\xFF\xD8\xFF"), mime: "image/jpeg"},
	{prefix: []byte("\x89PNG\r\n\x1a\n"), mime: "image/png"},
	{prefix: []byte("GIF87a"), mime: "image/gif"},
	{prefix: []byte("GIF89a"), mime: "image/gif"},
	{prefix: []byte("BM"), mime: "image/bmp"},
	{prefix: []byte("RIFF"), mime: "image/webp"}, // refined below (RIFF is also WAV/AVI)
	{prefix: []byte("\x00\x00\x01\x00"), mime: "image/x-icon"},
	{prefix: []byte("II*\x00"), mime: "image/tiff"},
	{prefix: []byte("MM\x00*"), mime: "image/tiff"},
	{prefix: []byte("PK\x03\x04"), mime: "application/zip"}, // refined below for Office/ODF
	{prefix: []byte("\xD0\xCF\x11\xE0\xA1\xB1\x1A\xE1"), mime: "application/x-ole-storage"}, // legacy .doc/.xls
	{prefix: []byte("%!PS-Adobe"), mime: "application/postscript"},
	{prefix: []byte("ID3"), mime: "audio/mpeg"},
	{prefix: []byte("\xFF\xFB"), mime: "audio/mpeg"},
	{prefix: []byte("OggS"), mime: "audio/ogg"},
	{prefix: []byte("fLaC"), mime: "audio/flac"},
}

var extensionTypes = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".xml":  "application/xml",
	".html": "text/html",
	".htm":  "text/html",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".odp":  "application/vnd.oasis.opendocument.presentation",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
	".heic": "image/heic",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".zip":  "application/zip",
}

// officeExtensions maps the container extension to its real MIME type, for
// when a PK\x03\x04 (plain ZIP) signature match needs refining by filename
// because OOXML/ODF containers are themselves ZIP files.
var officeExtensions = map[string]string{
	".docx": extensionTypes[".docx"],
	".xlsx": extensionTypes[".xlsx"],
	".pptx": extensionTypes[".pptx"],
	".odt":  extensionTypes[".odt"],
	".ods":  extensionTypes[".ods"],
	".odp":  extensionTypes[".odp"],
}

// Detect returns the MIME type for filename, given up to the first few
// hundred bytes of its content. Either argument may be empty; Detect
// always returns a usable type, falling back to DefaultType.
func Detect(filename string, head []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))

	for _, sig := range signatures {
		if matches(head, sig) {
			switch sig.mime {
			case "application/zip":
				if refined, ok := officeExtensions[ext]; ok {
					return refined
				}
				return sig.mime
			case "image/webp":
				if bytes.Contains(head[:min(len(head), 16)], []byte("WEBP")) {
					return sig.mime
				}
				continue // RIFF but not WebP: fall through to extension-based lookup
			default:
				return sig.mime
			}
		}
	}

	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return DefaultType
}

func matches(head []byte, sig signature) bool {
	end := sig.offset + len(sig.prefix)
	if end > len(head) {
		return false
	}
	return bytes.Equal(head[sig.offset:end], sig.prefix)
}
