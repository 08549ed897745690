// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package extract

import (
	"bytes"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const defaultMaxPages = 50

// PDFExtractor is a minimal, dependency-free PDF text extractor: no
// library in the reference corpus parses PDF (see DESIGN.md), so this
// walks the page object stream directly looking for text-showing
// operators inside BT/ET blocks rather than building a full PDF object
// model. It intentionally does not support embedded fonts with custom
// encodings beyond the base Latin/WinAnsi glyph-to-byte mapping PDF
// producers use for plain ASCII text.
type PDFExtractor struct {
	MaxPages int
}

func (PDFExtractor) Name() string  { return "pdf" }
func (PDFExtractor) Priority() int { return 20 }

func (PDFExtractor) CanHandle(mimeType string) bool {
	return mimeType == "application/pdf"
}

var (
	encryptRE  = regexp.MustCompile(`/Encrypt\s+\d+\s+\d+\s+R`)
	btEtRE     = regexp.MustCompile(`(?s)BT(.*?)ET`)
	showTextRE = regexp.MustCompile(`\((?:[^()\\]|\\.)*\)\s*Tj|\[(?:[^\[\]]|\\.)*\]\s*TJ`)
	literalRE  = regexp.MustCompile(`\((?:[^()\\]|\\.)*\)`)
)

func (e PDFExtractor) Extract(path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if encryptRE.Match(raw) {
		return nil, nil // encrypted: spec says return None
	}

	maxPages := e.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	pages := splitPages(raw, maxPages)
	var sb strings.Builder
	totalChars := 0
	for i, page := range pages {
		text := extractPageText(page)
		totalChars += len(text)
		if text == "" {
			continue
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}

	normalized := collapseWhitespace(sb.String())
	if len(pages) == 0 {
		return nil, nil
	}

	avgCharsPerPage := float64(totalChars) / float64(len(pages))
	method, confidence := "pdf", 1.0
	if avgCharsPerPage < 100 {
		method, confidence = "pdf_sparse", 0.3
	}

	return &Result{Text: normalized, Method: method, Confidence: confidence}, nil
}

// splitPages is a heuristic page splitter: it looks for "/Type /Page"
// object boundaries rather than following the cross-reference table,
// which is sufficient to bound work at MaxPages without a full parser.
func splitPages(raw []byte, maxPages int) [][]byte {
	markers := regexp.MustCompile(`/Type\s*/Page[^s]`).FindAllIndex(raw, -1)
	if len(markers) == 0 {
		return [][]byte{raw}
	}
	if len(markers) > maxPages {
		markers = markers[:maxPages]
	}
	pages := make([][]byte, 0, len(markers))
	for i, m := range markers {
		start := m[0]
		end := len(raw)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		pages = append(pages, raw[start:end])
	}
	return pages
}

func extractPageText(page []byte) string {
	var sb strings.Builder
	for _, block := range btEtRE.FindAllSubmatch(page, -1) {
		for _, show := range showTextRE.FindAll(block[1], -1) {
			for _, lit := range literalRE.FindAll(show, -1) {
				sb.WriteString(unescapePDFLiteral(lit))
				sb.WriteByte(' ')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func unescapePDFLiteral(lit []byte) string {
	lit = bytes.TrimPrefix(lit, []byte("("))
	lit = bytes.TrimSuffix(lit, []byte(")"))

	var sb strings.Builder
	for i := 0; i < len(lit); i++ {
		if lit[i] != '\\' || i == len(lit)-1 {
			sb.WriteByte(lit[i])
			continue
		}
		i++
		switch lit[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '(', ')', '\\':
			sb.WriteByte(lit[i])
		default:
			if lit[i] >= '0' && lit[i] <= '7' {
				j := i
				for j < len(lit) && j < i+3 && lit[j] >= '0' && lit[j] <= '7' {
					j++
				}
				if n, err := strconv.ParseInt(string(lit[i:j]), 8, 32); err == nil {
					sb.WriteByte(byte(n))
				}
				i = j - 1
			} else {
				sb.WriteByte(lit[i])
			}
		}
	}
	return sb.String()
}
