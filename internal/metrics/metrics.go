// Package metrics computes run statistics over the canonical event stream.
// The computation is a pure projection: the same normalized_events.jsonl
// always yields the same metrics.json.
package metrics

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/vsavkov/sortie/internal/events"
	"github.com/vsavkov/sortie/internal/failure"
)

// maxFailedExcerpts bounds the failed-command detail kept in metrics.json;
// the full record lives under command_failures/.
const maxFailedExcerpts = 10

// docExts is the extension allowlist for distinct_docs_read.
var docExts = map[string]bool{
	".md":   true,
	".rst":  true,
	".txt":  true,
	".adoc": true,
}

// FailedCommand is one bounded excerpt of a failed run_command event.
type FailedCommand struct {
	Command      string `json:"command"`
	ExitCode     int    `json:"exit_code"`
	Excerpt      string `json:"excerpt,omitempty"`
	PolicyDenial string `json:"policy_denial,omitempty"`
}

// Metrics is the metrics.json document.
type Metrics struct {
	EventCounts          map[string]int  `json:"event_counts"`
	StepCount            int             `json:"step_count"`
	DistinctFilesRead    int             `json:"distinct_files_read"`
	DistinctFilesWritten int             `json:"distinct_files_written"`
	DistinctDocsRead     int             `json:"distinct_docs_read"`
	CommandsExecuted     int             `json:"commands_executed"`
	CommandsFailed       int             `json:"commands_failed"`
	FailedCommands       []FailedCommand `json:"failed_commands,omitempty"`
	LinesAddedTotal      int             `json:"lines_added_total"`
	LinesRemovedTotal    int             `json:"lines_removed_total"`
}

// FromFile computes metrics over a normalized-events file.
func FromFile(path string) (*Metrics, error) {
	evs, err := events.ReadAll(path)
	if err != nil {
		return nil, err
	}
	return Compute(evs), nil
}

// Compute derives metrics from canonical events.
func Compute(evs []events.Event) *Metrics {
	m := &Metrics{EventCounts: map[string]int{}}
	read := map[string]bool{}
	written := map[string]bool{}
	docs := map[string]bool{}

	for _, ev := range evs {
		m.EventCounts[string(ev.Type)]++
		switch ev.Type {
		case events.KindReadFile:
			if p := dataString(ev.Data, "path"); p != "" {
				read[p] = true
				noteDoc(docs, p)
			}
		case events.KindWriteFile:
			if p := dataString(ev.Data, "path"); p != "" {
				written[p] = true
			}
			if n, ok := dataInt(ev.Data, "lines_added"); ok {
				m.LinesAddedTotal += n
			}
			if n, ok := dataInt(ev.Data, "lines_removed"); ok {
				m.LinesRemovedTotal += n
			}
		case events.KindRunCommand:
			m.CommandsExecuted++
			for _, tok := range dataStrings(ev.Data, "argv") {
				if pathLike(tok) {
					noteDoc(docs, tok)
				}
			}
			exit, _ := dataInt(ev.Data, "exit_code")
			if exit > 0 {
				m.CommandsFailed++
				if len(m.FailedCommands) < maxFailedExcerpts {
					m.FailedCommands = append(m.FailedCommands, failedCommand(ev.Data, exit))
				}
			}
		}
		switch ev.Type {
		case events.KindReadFile, events.KindWriteFile, events.KindRunCommand,
			events.KindToolCall, events.KindWebSearch:
			m.StepCount++
		}
	}

	m.DistinctFilesRead = len(read)
	m.DistinctFilesWritten = len(written)
	m.DistinctDocsRead = len(docs)
	return m
}

func failedCommand(data map[string]any, exit int) FailedCommand {
	fc := FailedCommand{
		Command:  dataString(data, "command"),
		ExitCode: exit,
		Excerpt:  dataString(data, "output_excerpt"),
	}
	if denial, ok := failure.DetectPolicyDenial(fc.Command + "\n" + fc.Excerpt); ok {
		fc.PolicyDenial = denial
	}
	return fc
}

// DocPaths returns the sorted doc paths a stream read, for report rendering.
func DocPaths(evs []events.Event) []string {
	docs := map[string]bool{}
	for _, ev := range evs {
		switch ev.Type {
		case events.KindReadFile:
			noteDoc(docs, dataString(ev.Data, "path"))
		case events.KindRunCommand:
			for _, tok := range dataStrings(ev.Data, "argv") {
				if pathLike(tok) {
					noteDoc(docs, tok)
				}
			}
		}
	}
	out := make([]string, 0, len(docs))
	for p := range docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func noteDoc(docs map[string]bool, p string) {
	if p == "" {
		return
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if docExts[strings.ToLower(filepath.Ext(p))] {
		docs[p] = true
	}
}

// pathLike reports whether an argv token plausibly names a file: it carries
// a path separator or a file extension.
func pathLike(tok string) bool {
	if tok == "" || strings.HasPrefix(tok, "-") {
		return false
	}
	return strings.ContainsAny(tok, "/\\") || filepath.Ext(tok) != ""
}

func dataString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// dataInt tolerates both in-memory ints and JSON-decoded float64 values.
func dataInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// dataStrings tolerates []string and JSON-decoded []any.
func dataStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
