// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// OfficeExtractor reads OOXML (DOCX/XLSX/PPTX) and OpenDocument
// (ODT/ODS/ODP) containers, all of which are ZIP archives of XML parts —
// archive/zip and encoding/xml (stdlib) are the right tools since no
// dedicated Office-document library exists in the reference corpus (see
// DESIGN.md); the parsing here is a small set of XML entry readers, not a
// general document object model.
type OfficeExtractor struct{}

func (OfficeExtractor) Name() string  { return "office" }
func (OfficeExtractor) Priority() int { return 15 }

var officeMimeTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.oasis.opendocument.text":                                   true,
	"application/vnd.oasis.opendocument.spreadsheet":                           true,
	"application/vnd.oasis.opendocument.presentation":                         true,
}

func (OfficeExtractor) CanHandle(mimeType string) bool {
	return officeMimeTypes[mimeType]
}

func (e OfficeExtractor) Extract(path string) (*Result, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	var text string
	switch {
	case entries["word/document.xml"] != nil:
		text, err = extractDOCX(entries)
	case entries["xl/workbook.xml"] != nil:
		text, err = extractXLSX(entries)
	case hasSlides(entries):
		text, err = extractPPTX(entries)
	case entries["content.xml"] != nil:
		text, err = extractOpenDocument(entries)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &Result{Text: collapseWhitespace(text), Method: "office", Confidence: 1.0}, nil
}

func readZipEntry(entries map[string]*zip.File, name string) ([]byte, bool) {
	f, ok := entries[name]
	if !ok {
		return nil, false
	}
	rc, err := f.Open()
	if err != nil {
		return nil, false
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false
	}
	return data, true
}

// collectXMLText walks arbitrary XML picking out the local names given
// in wantLocalNames, appending a newline after any name in newlineAfter.
func collectXMLText(data []byte, wantLocalNames map[string]bool, newlineAfter map[string]bool) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var sb strings.Builder
	var inWanted bool
	var pendingNewline string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sb.String(), nil // tolerate malformed trailing bytes; return what we got
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if wantLocalNames[t.Name.Local] {
				inWanted = true
			}
		case xml.CharData:
			if inWanted {
				sb.Write(t)
			}
		case xml.EndElement:
			if wantLocalNames[t.Name.Local] {
				inWanted = false
				if newlineAfter[t.Name.Local] {
					pendingNewline = "\n"
				}
			}
		}
		if pendingNewline != "" {
			sb.WriteString(pendingNewline)
			pendingNewline = ""
		}
	}
	return sb.String(), nil
}

func extractDOCX(entries map[string]*zip.File) (string, error) {
	var sb strings.Builder
	parts := []string{"word/document.xml"}
	for i := 1; i <= 3; i++ {
		parts = append(parts, fmt.Sprintf("word/header%d.xml", i), fmt.Sprintf("word/footer%d.xml", i))
	}
	for _, name := range parts {
		data, ok := readZipEntry(entries, name)
		if !ok {
			continue
		}
		text, err := collectXMLText(data, map[string]bool{"t": true}, nil)
		if err != nil {
			return "", err
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func extractXLSX(entries map[string]*zip.File) (string, error) {
	var shared []string
	if data, ok := readZipEntry(entries, "xl/sharedStrings.xml"); ok {
		shared = parseSharedStrings(data)
	}

	var sb strings.Builder
	for n := 1; n <= 50; n++ {
		data, ok := readZipEntry(entries, fmt.Sprintf("xl/worksheets/sheet%d.xml", n))
		if !ok {
			continue
		}
		sb.WriteString(extractSheetText(data, shared))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type xlsxSI struct {
	T string `xml:"t"`
}

type xlsxSST struct {
	SI []xlsxSI `xml:"si"`
}

func parseSharedStrings(data []byte) []string {
	var sst xlsxSST
	if err := xml.Unmarshal(data, &sst); err != nil {
		return nil
	}
	out := make([]string, len(sst.SI))
	for i, si := range sst.SI {
		out[i] = si.T
	}
	return out
}

type xlsxCell struct {
	Type  string `xml:"t,attr"`
	Value string `xml:"v"`
}

type xlsxRow struct {
	Cells []xlsxCell `xml:"c"`
}

type xlsxSheetData struct {
	Rows []xlsxRow `xml:"sheetData>row"`
}

func extractSheetText(data []byte, shared []string) string {
	var sheet xlsxSheetData
	if err := xml.Unmarshal(data, &sheet); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, row := range sheet.Rows {
		for _, cell := range row.Cells {
			if cell.Type == "s" {
				idx := atoiSafe(cell.Value)
				if idx >= 0 && idx < len(shared) {
					sb.WriteString(shared[idx])
					sb.WriteByte(' ')
				}
			} else if cell.Value != "" {
				sb.WriteString(cell.Value)
				sb.WriteByte(' ')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func hasSlides(entries map[string]*zip.File) bool {
	_, ok := entries["ppt/slides/slide1.xml"]
	return ok
}

func extractPPTX(entries map[string]*zip.File) (string, error) {
	var sb strings.Builder
	for n := 1; n <= 200; n++ {
		for _, tmpl := range []string{"ppt/slides/slide%d.xml", "ppt/notesSlides/notesSlide%d.xml"} {
			data, ok := readZipEntry(entries, fmt.Sprintf(tmpl, n))
			if !ok {
				continue
			}
			text, err := collectXMLText(data, map[string]bool{"t": true}, nil)
			if err != nil {
				return "", err
			}
			sb.WriteString(text)
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func extractOpenDocument(entries map[string]*zip.File) (string, error) {
	data, ok := readZipEntry(entries, "content.xml")
	if !ok {
		return "", nil
	}
	return collectXMLText(data,
		map[string]bool{"p": true, "h": true, "span": true},
		map[string]bool{"p": true, "h": true},
	)
}
