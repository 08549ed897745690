// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package extract

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const plainTextMaxBytes = 10 * 1 << 20 // 10 MiB hard cap

var plainTextMimePrefixes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/javascript",
	"application/x-javascript",
	"application/yaml",
	"application/x-yaml",
}

// PlainTextExtractor handles text/*, JSON, XML, JS/TS, YAML and scripts,
// detecting encoding before converting to UTF-8 and stripping markup.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Name() string  { return "plaintext" }
func (PlainTextExtractor) Priority() int { return 10 }

func (PlainTextExtractor) CanHandle(mimeType string) bool {
	for _, p := range plainTextMimePrefixes {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	return false
}

func (e PlainTextExtractor) Extract(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, plainTextMaxBytes))
	if err != nil {
		return nil, err
	}

	text, err := decodeToUTF8(raw)
	if err != nil {
		return nil, err
	}

	if looksLikeMarkup(path, text) {
		text = stripMarkup(text)
	}
	text = collapseWhitespace(text)

	return &Result{
		Text:       text,
		Method:     "plaintext",
		Confidence: 1.0,
	}, nil
}

// decodeToUTF8 implements the spec's encoding-detection ladder: BOM first
// (UTF-8, UTF-16 LE/BE), then a UTF-8-validity heuristic over the first
// 1000 bytes, then a Cyrillic-byte-frequency test for CP-1251, else
// UTF-8 fallback (treat as already UTF-8, lossily).
func decodeToUTF8(raw []byte) (string, error) {
	switch {
	case bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}):
		return string(raw[3:]), nil
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}):
		return decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), raw)
	case bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		return decodeWith(unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), raw)
	}

	sample := raw
	if len(sample) > 1000 {
		sample = sample[:1000]
	}
	if utf8.Valid(sample) {
		return string(raw), nil
	}
	if looksLikeCP1251(sample) {
		return decodeWith(charmap.Windows1251, raw)
	}
	return string(raw), nil
}

func decodeWith(enc encoding.Encoding, raw []byte) (string, error) {
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(raw), enc.NewDecoder()))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// looksLikeCP1251 applies a simple Cyrillic-byte-frequency test: CP-1251
// maps Cyrillic letters into 0xC0-0xFF; if a large share of the non-ASCII
// bytes fall in that range and the text is not valid UTF-8, assume CP-1251.
func looksLikeCP1251(sample []byte) bool {
	var cyrillicLike, highBytes int
	for _, b := range sample {
		if b >= 0x80 {
			highBytes++
			if b >= 0xC0 {
				cyrillicLike++
			}
		}
	}
	if highBytes == 0 {
		return false
	}
	return float64(cyrillicLike)/float64(highBytes) > 0.8
}

var (
	htmlTagRE    = regexp.MustCompile(`(?is)<script.*?</script>|<style.*?</style>|<[^>]+>`)
	whitespaceRE = regexp.MustCompile(`\s+`)

	htmlEntities = map[string]string{
		"&nbsp;": " ",
		"&lt;":   "<",
		"&gt;":   ">",
		"&amp;":  "&",
		"&quot;": `"`,
		"&apos;": "'",
	}
)

func looksLikeMarkup(path, text string) bool {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm") ||
		strings.HasSuffix(lower, ".xml") || strings.HasSuffix(lower, ".svg") {
		return true
	}
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "<")
}

// stripMarkup removes tags (keeping CDATA content intact) and decodes the
// minimal HTML entity set the spec names.
func stripMarkup(text string) string {
	text = preserveCDATA(text)
	text = htmlTagRE.ReplaceAllString(text, " ")
	for entity, repl := range htmlEntities {
		text = strings.ReplaceAll(text, entity, repl)
	}
	return text
}

var cdataRE = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)

func preserveCDATA(text string) string {
	return cdataRE.ReplaceAllString(text, " $1 ")
}

func collapseWhitespace(text string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(text, " "))
}
