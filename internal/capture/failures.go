package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CommandFailure describes one failed command for command.json.
type CommandFailure struct {
	Command  string   `json:"command"`
	Argv     []string `json:"argv,omitempty"`
	ExitCode int      `json:"exit_code"`
	Cwd      string   `json:"cwd,omitempty"`
	Source   string   `json:"source"`
	RawLine  int      `json:"raw_line,omitempty"`
}

// ToolFailure describes one failed tool call for tool.json.
type ToolFailure struct {
	Name    string         `json:"name"`
	CallID  string         `json:"call_id,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Source  string         `json:"source"`
	RawLine int            `json:"raw_line,omitempty"`
}

// FailureSink persists per-failure artifact directories under a run root:
// command_failures/cmd_NN/ and tool_failures/tool_NN_<name>/. Every failing
// process keeps its full stdout/stderr here even when the normalized event
// only carries a truncated excerpt.
type FailureSink struct {
	root   string
	policy Policy
	clock  func() time.Time
	cmdN   int
	toolN  int
}

// NewFailureSink roots a sink at runDir.
func NewFailureSink(runDir string, policy Policy, clock func() time.Time) *FailureSink {
	if clock == nil {
		clock = time.Now
	}
	return &FailureSink{root: runDir, policy: policy.withDefaults(), clock: clock}
}

// RecordCommand persists a failed command and returns the failure_artifacts
// map (artifact name → run-relative path) for the normalized event.
func (s *FailureSink) RecordCommand(meta CommandFailure, stdout, stderr string) (map[string]string, error) {
	s.cmdN++
	rel := filepath.Join("command_failures", fmt.Sprintf("cmd_%02d", s.cmdN))
	return s.write(rel, "command.json", meta, stdout, stderr)
}

// RecordTool persists a failed tool call.
func (s *FailureSink) RecordTool(meta ToolFailure, stdout, stderr string) (map[string]string, error) {
	s.toolN++
	rel := filepath.Join("tool_failures", fmt.Sprintf("tool_%02d_%s", s.toolN, sanitizeToolName(meta.Name)))
	return s.write(rel, "tool.json", meta, stdout, stderr)
}

func (s *FailureSink) write(rel, metaName string, meta any, stdout, stderr string) (map[string]string, error) {
	dir := filepath.Join(s.root, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	artifacts := map[string]string{"dir": rel}

	if err := WriteJSONAtomic(filepath.Join(dir, metaName), meta); err != nil {
		return nil, err
	}
	artifacts[metaName] = filepath.Join(rel, metaName)

	for _, f := range []struct {
		name string
		body string
	}{
		{"stdout.txt", stdout},
		{"stderr.txt", stderr},
	} {
		if err := WriteFileAtomic(filepath.Join(dir, f.name), []byte(f.body), 0o644); err != nil {
			return nil, err
		}
		artifacts[f.name] = filepath.Join(rel, f.name)
	}

	timing := map[string]any{"recorded_at": s.clock().UTC().Format(time.RFC3339)}
	if err := WriteJSONAtomic(filepath.Join(dir, "timing.json"), timing); err != nil {
		return nil, err
	}
	artifacts["timing.json"] = filepath.Join(rel, "timing.json")
	return artifacts, nil
}

// sanitizeToolName keeps directory names portable.
func sanitizeToolName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "tool"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}
