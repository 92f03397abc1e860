// Package normalize translates per-backend raw agent event streams into the
// canonical event log. Each backend has one translator; all of them consume
// raw_events.jsonl plus its ingest-timestamp sidecar and append to
// normalized_events.jsonl in raw order. Translators are pure over their
// inputs: normalizing the same raw stream twice yields identical output.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/events"
)

// Output format identifiers, matching agent config.
const (
	FormatCodexJSONL       = "codex_jsonl"
	FormatClaudeStreamJSON = "claude_stream_json"
	FormatGeminiStreamJSON = "gemini_stream_json"
)

// Options configures one normalization pass.
type Options struct {
	// Format selects the translator (one of the Format* constants).
	Format string

	// RawPath is the raw_events.jsonl written by the adapter.
	RawPath string

	// TSPath is the ingest-timestamp sidecar keyed by raw line number.
	TSPath string

	// OutPath is the normalized_events.jsonl destination.
	OutPath string

	// Workspace and WorkspaceMount are the path roots the agent may have
	// used when naming files; both map to workspace-relative paths.
	Workspace      string
	WorkspaceMount string

	// Sink persists per-failure artifact directories. Optional; without it
	// failed commands and tools still produce events, just no artifacts.
	Sink *capture.FailureSink

	// Policy bounds output excerpts embedded in events.
	Policy capture.Policy
}

// Result summarizes a normalization pass.
type Result struct {
	// Events is the number of canonical events emitted.
	Events int

	// LastMessage is the text of the final assistant message, "" when the
	// stream carried none.
	LastMessage string

	// RecoveredJSON is the last JSON document recovered from a tool-result
	// payload. Used as the report source when no explicit last message
	// exists.
	RecoveredJSON string
}

// errUnparseable marks a raw line the translator could not decode. The caller
// turns it into an error event carrying the raw text; any other error aborts.
var errUnparseable = errors.New("unparseable raw line")

type translator interface {
	// line consumes one raw line. A return wrapping errUnparseable means
	// the line was skipped; other errors are fatal.
	line(lineNo int, line []byte) error

	// finish flushes buffered state after the last raw line.
	finish() error
}

// Run translates the raw stream at opts.RawPath into canonical events at
// opts.OutPath.
func Run(opts Options) (*Result, error) {
	out, err := events.NewWriter(opts.OutPath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	ts, err := loadTSIndex(opts.TSPath)
	if err != nil {
		return nil, err
	}

	n := &normalizer{
		opts:  opts,
		out:   out,
		ts:    ts,
		roots: pathRoots(opts.WorkspaceMount, opts.Workspace),
	}

	var tr translator
	switch opts.Format {
	case FormatCodexJSONL:
		tr = newCodexTranslator(n)
	case FormatClaudeStreamJSON:
		tr = newStreamTranslator(n, "claude", claudeCall)
	case FormatGeminiStreamJSON:
		tr = newStreamTranslator(n, "gemini", geminiCall)
	default:
		return nil, fmt.Errorf("normalize: unknown output format %q", opts.Format)
	}

	err = events.EachLine(opts.RawPath, func(lineNo int, line []byte) error {
		lerr := tr.line(lineNo, line)
		if lerr == nil {
			return nil
		}
		if !errors.Is(lerr, errUnparseable) {
			return lerr
		}
		return n.emit(lineNo, events.KindError, map[string]any{
			"category": "parse",
			"message":  string(line),
		})
	})
	if err != nil {
		return nil, err
	}
	if err := tr.finish(); err != nil {
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	return &Result{
		Events:        n.count,
		LastMessage:   n.lastMessage,
		RecoveredJSON: n.recoveredJSON,
	}, nil
}

// normalizer carries the state shared by all translators: the output writer,
// the timestamp index, and the final-message bookkeeping.
type normalizer struct {
	opts  Options
	out   *events.Writer
	ts    *tsIndex
	roots []string

	count         int
	lastMessage   string
	recoveredJSON string
}

// emit appends one canonical event stamped with the ingest time of rawLine.
func (n *normalizer) emit(rawLine int, kind events.Kind, data map[string]any) error {
	ev := events.Event{TS: n.ts.at(rawLine), Type: kind, Data: data}
	if err := n.out.Append(ev); err != nil {
		return err
	}
	n.count++
	return nil
}

// setLastMessage records the most recent assistant message text.
func (n *normalizer) setLastMessage(text string) {
	if strings.TrimSpace(text) != "" {
		n.lastMessage = text
	}
}

// noteToolPayload keeps the newest JSON document seen inside a tool result.
func (n *normalizer) noteToolPayload(content string) {
	if doc := RecoverJSON(content); doc != "" {
		n.recoveredJSON = doc
	}
}

// relPath maps an agent-reported path onto a workspace-relative POSIX path.
// Paths outside every known root pass through verbatim.
func (n *normalizer) relPath(p string) string {
	if p == "" {
		return p
	}
	q := filepath.ToSlash(p)
	for _, root := range n.roots {
		if q == root {
			return "."
		}
		if strings.HasPrefix(q, root+"/") {
			rel := strings.TrimPrefix(q, root+"/")
			if rel != "" {
				return rel
			}
			return "."
		}
	}
	return p
}

// excerpt applies the capture policy to raw process output.
func (n *normalizer) excerpt(s string) capture.Excerpt {
	return n.opts.Policy.Take(s)
}

func pathRoots(roots ...string) []string {
	var out []string
	for _, r := range roots {
		r = strings.TrimRight(filepath.ToSlash(r), "/")
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

// tsIndex resolves raw line numbers to ingest timestamps. Lines without an
// exact sidecar entry borrow the nearest preceding stamp, then the nearest
// following one, so the mapping stays deterministic even for sparse sidecars.
type tsIndex struct {
	byLine map[int]string
	lines  []int
}

type tsRecord struct {
	Line int    `json:"line"`
	TS   string `json:"ts"`
}

func loadTSIndex(path string) (*tsIndex, error) {
	idx := &tsIndex{byLine: map[int]string{}}
	if path == "" {
		return idx, nil
	}
	err := events.EachLine(path, func(_ int, line []byte) error {
		var rec tsRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil // sidecar damage never blocks normalization
		}
		if rec.Line > 0 && rec.TS != "" {
			if _, dup := idx.byLine[rec.Line]; !dup {
				idx.lines = append(idx.lines, rec.Line)
			}
			idx.byLine[rec.Line] = rec.TS
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Ints(idx.lines)
	return idx, nil
}

func (idx *tsIndex) at(line int) string {
	if ts, ok := idx.byLine[line]; ok {
		return ts
	}
	// Nearest preceding stamp, else nearest following.
	i := sort.SearchInts(idx.lines, line)
	if i > 0 {
		return idx.byLine[idx.lines[i-1]]
	}
	if i < len(idx.lines) {
		return idx.byLine[idx.lines[i]]
	}
	return events.FormatTime(time.Time{})
}

// RecoverJSON extracts a JSON document from free-form agent text: either the
// whole string is a JSON object/array, or one is embedded in a ``` code
// fence. Returns "" when nothing parseable is found.
func RecoverJSON(text string) string {
	if doc := tryJSON(text); doc != "" {
		return doc
	}
	for _, block := range fencedBlocks(text) {
		if doc := tryJSON(block); doc != "" {
			return doc
		}
	}
	return ""
}

func tryJSON(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if s[0] != '{' && s[0] != '[' {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return ""
	}
	return s
}

// fencedBlocks returns the bodies of ``` fences in order of appearance. The
// fence language tag, if any, is ignored.
func fencedBlocks(text string) []string {
	var blocks []string
	lines := strings.Split(text, "\n")
	var body []string
	inFence := false
	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				blocks = append(blocks, strings.Join(body, "\n"))
				body = nil
				inFence = false
			} else {
				inFence = true
			}
			continue
		}
		if inFence {
			body = append(body, ln)
		}
	}
	return blocks
}

// countLines counts newline-delimited lines in s the way diff tooling does:
// a trailing newline does not start an empty extra line.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	nl := strings.Count(s, "\n")
	if strings.HasSuffix(s, "\n") {
		return nl
	}
	return nl + 1
}
