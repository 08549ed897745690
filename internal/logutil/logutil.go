// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package logutil sets up the process-wide structured logger used by every
// manager in FamilyVault, adapted from the teacher's slogutil package onto
// log/slog with a per-component level tracker and an in-memory recorder
// that tests can assert against instead of scraping stdout.
package logutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Line is a single recorded log entry, preserved for the Recorder.
type Line struct {
	When    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Recorder buffers recent log lines at or above a minimum level, bounded so
// long-running daemons don't leak memory.
type Recorder interface {
	Since(t time.Time) []Line
	Clear()
}

const maxRecorded = 1000

type recorder struct {
	level slog.Level
	mut   sync.Mutex
	lines []Line
}

func NewRecorder(level slog.Level) Recorder { return &recorder{level: level} }

func (r *recorder) record(l Line) {
	if l.Level < r.level {
		return
	}
	r.mut.Lock()
	defer r.mut.Unlock()
	r.lines = append(r.lines, l)
	if len(r.lines) > maxRecorded {
		r.lines = r.lines[len(r.lines)-maxRecorded:]
	}
}

func (r *recorder) Clear() {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.lines = nil
}

func (r *recorder) Since(t time.Time) []Line {
	r.mut.Lock()
	defer r.mut.Unlock()
	for i := range r.lines {
		if r.lines[i].When.After(t) {
			out := make([]Line, len(r.lines)-i)
			copy(out, r.lines[i:])
			return out
		}
	}
	return nil
}

// GlobalRecorder keeps everything; ErrorRecorder keeps warnings and up, for
// surfacing as a manager's last_error / the network Error event (spec §7).
var (
	GlobalRecorder = &recorder{level: slog.LevelDebug - 4}
	ErrorRecorder  = &recorder{level: slog.LevelWarn}

	levelsMut    sync.RWMutex
	defaultLevel = slog.LevelInfo
	pkgLevels    = map[string]slog.Level{}
)

// SetDefaultLevel sets the fallback level used by components with no
// specific override.
func SetDefaultLevel(level slog.Level) {
	levelsMut.Lock()
	defer levelsMut.Unlock()
	defaultLevel = level
}

// SetComponentLevel overrides the level for a single component name, the
// structured equivalent of the teacher's STTRACE package filter.
func SetComponentLevel(component string, level slog.Level) {
	levelsMut.Lock()
	defer levelsMut.Unlock()
	pkgLevels[component] = level
}

// ApplyTraceEnv parses a comma-separated "component[:LEVEL]" list, mirroring
// the teacher's STTRACE environment variable.
func ApplyTraceEnv(spec string) {
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		level := slog.LevelDebug
		comp := part
		if c, lvl, ok := strings.Cut(part, ":"); ok {
			comp = c
			_ = level.UnmarshalText([]byte(lvl))
		}
		SetComponentLevel(comp, level)
	}
}

func levelFor(component string) slog.Level {
	levelsMut.RLock()
	defer levelsMut.RUnlock()
	if lvl, ok := pkgLevels[component]; ok {
		return lvl
	}
	return defaultLevel
}

type handler struct {
	component string
	out       io.Writer
	attrs     []slog.Attr
}

func newHandler(component string, out io.Writer) *handler {
	return &handler{component: component, out: out}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= levelFor(h.component)
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	line := Line{When: r.Time, Level: r.Level, Message: r.Message, Attrs: attrs}
	GlobalRecorder.record(line)
	ErrorRecorder.record(line)

	if h.out != nil {
		var sb strings.Builder
		sb.WriteString(r.Time.Format("2006-01-02T15:04:05.000Z07:00"))
		sb.WriteByte(' ')
		sb.WriteString(r.Level.String())
		sb.WriteByte(' ')
		sb.WriteString("[" + h.component + "] ")
		sb.WriteString(r.Message)
		for k, v := range attrs {
			sb.WriteString(" ")
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(toString(v))
		}
		sb.WriteByte('\n')
		_, _ = io.WriteString(h.out, sb.String())
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &handler{component: h.component, out: h.out}
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return n
}

func (h *handler) WithGroup(_ string) slog.Handler { return h }

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprint(t)
	}
}

// New returns a logger scoped to a component name (e.g. "index", "peer").
// Every manager in FamilyVault holds exactly one of these, never a mutated
// global.
func New(component string) *slog.Logger {
	out := io.Writer(os.Stdout)
	if os.Getenv("FAMILYVAULT_LOG_DISCARD") != "" {
		out = io.Discard
	}
	return slog.New(newHandler(component, out))
}
