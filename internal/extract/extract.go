// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package extract implements the Text Extractors component (spec.md C4): a
// registry of pluggable extractors selected by priority, grounded on the
// teacher's trait-with-registry shape (internal/versioner's pluggable
// implementations) generalized from file-versioning to text extraction.
package extract

import (
	"fmt"

	"github.com/familyvault/familyvaultd/internal/logutil"
)

var l = logutil.New("extract")

// Result is the outcome of a successful extraction.
type Result struct {
	Text       string
	Method     string
	Language   string
	Confidence float64
}

// Extractor is implemented by every concrete text extractor. Extract
// returns (nil, nil) when the file cannot usefully be extracted (e.g. an
// encrypted PDF) — that is not an error, just "nothing to index".
type Extractor interface {
	Name() string
	Priority() int
	CanHandle(mimeType string) bool
	Extract(path string) (*Result, error)
}

// Registry holds every registered extractor and picks the highest-priority
// match for a given MIME type.
type Registry struct {
	extractors []Extractor
}

// NewRegistry builds a registry with the given extractors already
// registered, highest priority first.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{}
	for _, e := range extractors {
		r.Register(e)
	}
	return r
}

// Register adds an extractor, keeping the list sorted by descending
// priority so Pick always finds the best match in one pass.
func (r *Registry) Register(e Extractor) {
	i := 0
	for ; i < len(r.extractors); i++ {
		if r.extractors[i].Priority() < e.Priority() {
			break
		}
	}
	r.extractors = append(r.extractors, nil)
	copy(r.extractors[i+1:], r.extractors[i:])
	r.extractors[i] = e
}

// Pick returns the highest-priority extractor that handles mimeType, or
// nil if none do.
func (r *Registry) Pick(mimeType string) Extractor {
	for _, e := range r.extractors {
		if e.CanHandle(mimeType) {
			return e
		}
	}
	return nil
}

// Extract runs the highest-priority matching extractor against path. A
// panic inside an extractor (malformed input tripping a parsing library)
// is caught and treated as a skip rather than crashing the content
// indexer worker — the pipeline must continue past one bad file.
func (r *Registry) Extract(path, mimeType string) (result *Result, err error) {
	e := r.Pick(mimeType)
	if e == nil {
		return nil, nil
	}

	defer func() {
		if p := recover(); p != nil {
			l.Error("extractor panicked", "extractor", e.Name(), "path", path, "panic", fmt.Sprint(p))
			result, err = nil, nil
		}
	}()

	res, err := e.Extract(path)
	if err != nil {
		l.Warn("extraction failed", "extractor", e.Name(), "path", path, "error", err)
		return nil, nil
	}
	return res, nil
}
