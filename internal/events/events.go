// Package events defines the canonical run event record and the append-only
// JSONL files a run persists.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimeLayout is the canonical event timestamp layout: UTC, second resolution,
// explicit +00:00 offset.
const TimeLayout = "2006-01-02T15:04:05+00:00"

// Clock supplies timestamps; tests substitute a fixed one.
type Clock func() time.Time

// FormatTime renders t in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Kind enumerates the canonical event types.
type Kind string

const (
	KindReadFile     Kind = "read_file"
	KindWriteFile    Kind = "write_file"
	KindRunCommand   Kind = "run_command"
	KindToolCall     Kind = "tool_call"
	KindAgentMessage Kind = "agent_message"
	KindWebSearch    Kind = "web_search"
	KindError        Kind = "error"
)

// Valid reports whether k is one of the canonical kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindReadFile, KindWriteFile, KindRunCommand, KindToolCall,
		KindAgentMessage, KindWebSearch, KindError:
		return true
	}
	return false
}

// Event is one canonical record. Data carries the per-kind fields; the set of
// keys per kind is fixed by the normalizers, not enforced here.
type Event struct {
	TS   string         `json:"ts"`
	Type Kind           `json:"type"`
	Data map[string]any `json:"data"`
}

// New builds an event stamped at t.
func New(t time.Time, kind Kind, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{TS: FormatTime(t), Type: kind, Data: data}
}

// Writer appends JSON values to a JSONL file, one object per line. The file
// is opened once with append semantics and never rewritten.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	bw   *bufio.Writer
	path string
}

// NewWriter opens (creating if needed) path for append.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, bw: bufio.NewWriter(f), path: path}, nil
}

// Append writes ev as one line.
func (w *Writer) Append(ev Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("events: invalid kind %q", ev.Type)
	}
	return w.AppendValue(ev)
}

// AppendValue writes v as one line. Used for sidecar records that are not
// canonical events (e.g. ingest-timestamp entries).
func (w *Writer) AppendValue(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("events: writer for %s is closed", w.path)
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// AppendRawLine writes an already-serialized line verbatim. The adapter uses
// this for raw agent output so that byte fidelity is preserved.
func (w *Writer) AppendRawLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("events: writer for %s is closed", w.path)
	}
	if _, err := w.bw.Write(line); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// Flush pushes buffered lines to disk without closing.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.bw.Flush()
}

// Close flushes and closes the underlying file. Safe to call twice.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	ferr := w.bw.Flush()
	cerr := w.f.Close()
	w.f = nil
	if ferr != nil {
		return ferr
	}
	return cerr
}

// Line buffer sizing for reading agent streams: single-line JSON documents
// from the CLIs can reach a few megabytes.
const (
	scanInitialBuf = 256 * 1024
	scanMaxBuf     = 4 * 1024 * 1024
)

// EachLine calls fn for every non-empty line of the JSONL file at path.
// lineNo is 1-based over all lines, including empty ones, so callers can
// correlate with the ingest-timestamp sidecar.
func EachLine(path string, fn func(lineNo int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; hand out a copy.
		cp := make([]byte, len(line))
		copy(cp, line)
		if err := fn(n, cp); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadAll decodes every line of a canonical-event JSONL file.
func ReadAll(path string) ([]Event, error) {
	var out []Event
	err := EachLine(path, func(lineNo int, line []byte) error {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
