package normalize

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/events"
)

func writeRaw(t *testing.T, dir string, lines []string) (string, string) {
	t.Helper()
	rawPath := filepath.Join(dir, "raw_events.jsonl")
	tsPath := filepath.Join(dir, "raw_events.ts.jsonl")
	var raw, ts bytes.Buffer
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, ln := range lines {
		raw.WriteString(ln)
		raw.WriteByte('\n')
		if strings.TrimSpace(ln) != "" {
			stamp := events.FormatTime(base.Add(time.Duration(i) * time.Second))
			fmt.Fprintf(&ts, "{\"line\":%d,\"ts\":%q}\n", i+1, stamp)
		}
	}
	require.NoError(t, os.WriteFile(rawPath, raw.Bytes(), 0o644))
	require.NoError(t, os.WriteFile(tsPath, ts.Bytes(), 0o644))
	return rawPath, tsPath
}

func runNormalize(t *testing.T, format string, lines []string) (*Result, []events.Event, string) {
	t.Helper()
	runDir := t.TempDir()
	rawPath, tsPath := writeRaw(t, runDir, lines)
	outPath := filepath.Join(runDir, "normalized_events.jsonl")
	fixed := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	sink := capture.NewFailureSink(runDir, capture.DefaultPolicy(), fixed)
	res, err := Run(Options{
		Format:         format,
		RawPath:        rawPath,
		TSPath:         tsPath,
		OutPath:        outPath,
		WorkspaceMount: "/workspace",
		Sink:           sink,
		Policy:         capture.DefaultPolicy(),
	})
	require.NoError(t, err)
	evs, err := events.ReadAll(outPath)
	require.NoError(t, err)
	return res, evs, runDir
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestCodexStream(t *testing.T) {
	lines := []string{
		`{"type":"thread.started","thread_id":"th_1"}`,
		`{"type":"turn.started"}`,
		`{"type":"item.started","item":{"id":"item_0","type":"command_execution","command":"ls -la","status":"in_progress"}}`,
		`{"type":"item.completed","item":{"id":"item_0","type":"command_execution","command":"ls -la","aggregated_output":"total 0\n","exit_code":0,"status":"completed"}}`,
		`{"type":"item.completed","item":{"id":"item_1","type":"reasoning","text":"Reviewing the layout first."}}`,
		`{"type":"item.completed","item":{"id":"item_2","type":"command_execution","command":"cat missing.txt","aggregated_output":"cat: missing.txt: No such file or directory\n","exit_code":1,"status":"failed"}}`,
		`{"type":"item.completed","item":{"id":"item_3","type":"file_changes","changes":[{"path":"/workspace/src/app.py","kind":"update"},{"path":"/workspace/README.md","kind":"add"}],"status":"completed"}}`,
		`{"type":"item.completed","item":{"id":"item_4","type":"web_search","query":"python asyncio semantics"}}`,
		`{"type":"item.completed","item":{"id":"item_5","type":"agent_message","text":"All checks pass."}}`,
		`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":5}}`,
	}
	res, evs, runDir := runNormalize(t, FormatCodexJSONL, lines)

	require.Equal(t, []events.Kind{
		events.KindRunCommand,
		events.KindAgentMessage,
		events.KindRunCommand,
		events.KindWriteFile,
		events.KindWriteFile,
		events.KindWebSearch,
		events.KindAgentMessage,
	}, kinds(evs))
	require.Equal(t, 7, res.Events)
	require.Equal(t, "All checks pass.", res.LastMessage)

	// First command: ts comes from the sidecar stamp of raw line 4.
	ls := evs[0]
	assert.Equal(t, "2026-03-01T10:00:03+00:00", ls.TS)
	assert.Equal(t, []any{"ls", "-la"}, ls.Data["argv"])
	assert.Equal(t, "ls -la", ls.Data["command"])
	assert.Equal(t, float64(0), ls.Data["exit_code"])
	assert.Equal(t, "total 0\n", ls.Data["output_excerpt"])
	assert.NotContains(t, ls.Data, "failure_artifacts")

	assert.Equal(t, "reasoning", evs[1].Data["kind"])

	failed := evs[2]
	assert.Equal(t, float64(1), failed.Data["exit_code"])
	artifacts, ok := failed.Data["failure_artifacts"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, filepath.Join("command_failures", "cmd_01"), artifacts["dir"])
	stdout, err := os.ReadFile(filepath.Join(runDir, "command_failures", "cmd_01", "stdout.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "No such file or directory")

	assert.Equal(t, "src/app.py", evs[3].Data["path"])
	assert.Equal(t, "README.md", evs[4].Data["path"])
	assert.Equal(t, "python asyncio semantics", evs[5].Data["query"])
	assert.Equal(t, "message", evs[6].Data["kind"])
}

func TestCodexTurnFailedAndGarbage(t *testing.T) {
	lines := []string{
		`{"type":"turn.started"}`,
		`not json at all`,
		`{"type":"turn.failed","error":{"message":"model overloaded"}}`,
		`{"type":"error","message":"stream closed"}`,
	}
	res, evs, _ := runNormalize(t, FormatCodexJSONL, lines)
	require.Equal(t, 3, res.Events)
	for _, ev := range evs {
		require.Equal(t, events.KindError, ev.Type)
	}
	assert.Equal(t, "parse", evs[0].Data["category"])
	assert.Equal(t, "not json at all", evs[0].Data["message"])
	assert.Equal(t, "turn", evs[1].Data["category"])
	assert.Equal(t, "model overloaded", evs[1].Data["message"])
	assert.Equal(t, "stream", evs[2].Data["category"])
}

func TestCodexMCPToolCallFailure(t *testing.T) {
	lines := []string{
		`{"type":"item.completed","item":{"id":"item_0","type":"mcp_tool_call","server":"github","tool":"create_issue","arguments":{"title":"x"},"status":"failed"}}`,
	}
	_, evs, runDir := runNormalize(t, FormatCodexJSONL, lines)
	require.Len(t, evs, 1)
	ev := evs[0]
	require.Equal(t, events.KindToolCall, ev.Type)
	assert.Equal(t, "github.create_issue", ev.Data["name"])
	assert.Equal(t, true, ev.Data["is_error"])
	artifacts := ev.Data["failure_artifacts"].(map[string]any)
	assert.Equal(t, filepath.Join("tool_failures", "tool_01_github_create_issue"), artifacts["dir"])
	_, err := os.Stat(filepath.Join(runDir, "tool_failures", "tool_01_github_create_issue", "tool.json"))
	require.NoError(t, err)
}

func TestClaudeStream(t *testing.T) {
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Inspecting the repo."},{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"pytest -q"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"1 failed, 3 passed"}],"is_error":true}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_2","name":"Read","input":{"file_path":"/workspace/src/main.py"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_2","content":"def main():\n    pass"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_3","name":"Write","input":{"file_path":"/workspace/report.json","content":"{\n}"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_3","content":"ok"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Done. Report written."}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"Done. Report written."}`,
	}
	res, evs, runDir := runNormalize(t, FormatClaudeStreamJSON, lines)

	require.Equal(t, []events.Kind{
		events.KindAgentMessage,
		events.KindRunCommand,
		events.KindReadFile,
		events.KindWriteFile,
		events.KindAgentMessage,
	}, kinds(evs))
	require.Equal(t, "Done. Report written.", res.LastMessage)

	assert.Equal(t, "Inspecting the repo.", evs[0].Data["text"])

	cmd := evs[1]
	assert.Equal(t, "pytest -q", cmd.Data["command"])
	assert.Equal(t, float64(1), cmd.Data["exit_code"])
	assert.Equal(t, "1 failed, 3 passed", cmd.Data["output_excerpt"])
	artifacts := cmd.Data["failure_artifacts"].(map[string]any)
	assert.Equal(t, filepath.Join("command_failures", "cmd_01"), artifacts["dir"])
	stdout, err := os.ReadFile(filepath.Join(runDir, "command_failures", "cmd_01", "stdout.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1 failed, 3 passed", string(stdout))

	rd := evs[2]
	assert.Equal(t, "src/main.py", rd.Data["path"])
	assert.Equal(t, float64(-1), rd.Data["bytes"])

	wr := evs[3]
	assert.Equal(t, "report.json", wr.Data["path"])
	assert.Equal(t, float64(2), wr.Data["lines_added"])
}

func TestClaudeDeltaCoalescing(t *testing.T) {
	t.Run("final wins over deltas", func(t *testing.T) {
		lines := []string{
			`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}}`,
			`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo."}}}`,
			`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello, complete."}]}}`,
		}
		res, evs, _ := runNormalize(t, FormatClaudeStreamJSON, lines)
		require.Len(t, evs, 1)
		assert.Equal(t, "Hello, complete.", evs[0].Data["text"])
		assert.Equal(t, "Hello, complete.", res.LastMessage)
	})

	t.Run("deltas concatenate without a final", func(t *testing.T) {
		lines := []string{
			`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}}`,
			`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo."}}}`,
		}
		res, evs, _ := runNormalize(t, FormatClaudeStreamJSON, lines)
		require.Len(t, evs, 1)
		assert.Equal(t, "Hello.", evs[0].Data["text"])
		// The message is stamped at its first delta's line.
		assert.Equal(t, "2026-03-01T10:00:00+00:00", evs[0].TS)
		assert.Equal(t, "Hello.", res.LastMessage)
	})
}

func TestClaudeRecoversJSONFromToolResult(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"TodoWrite","input":{"todos":[]}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"Recorded:\n` + "```" + `json\n{\"grade\": \"pass\"}\n` + "```" + `"}]}}`,
	}
	res, evs, _ := runNormalize(t, FormatClaudeStreamJSON, lines)
	require.Len(t, evs, 1)
	require.Equal(t, events.KindToolCall, evs[0].Type)
	assert.Equal(t, "TodoWrite", evs[0].Data["name"])
	assert.Equal(t, false, evs[0].Data["is_error"])
	assert.Equal(t, `{"grade": "pass"}`, res.RecoveredJSON)
	assert.Empty(t, res.LastMessage)
}

func TestClaudeUnpairedToolUseFlushesAtEnd(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t9","name":"Bash","input":{"command":"sleep 100"}}]}}`,
	}
	_, evs, _ := runNormalize(t, FormatClaudeStreamJSON, lines)
	require.Len(t, evs, 1)
	require.Equal(t, events.KindRunCommand, evs[0].Type)
	assert.Equal(t, float64(-1), evs[0].Data["exit_code"])
	assert.NotContains(t, evs[0].Data, "output_excerpt")
}

func TestGeminiStream(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"g1","name":"run_shell_command","input":{"command":"npm test","directory":"/workspace/web"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"g1","content":"42 passing"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"g2","name":"read_file","input":{"absolute_path":"/workspace/pkg.json"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"g2","content":"{}"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"g3","name":"replace","input":{"file_path":"/workspace/a.js","old_string":"x\ny","new_string":"z"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"g3","content":"done"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"g4","name":"google_web_search","input":{"query":"jest watch mode"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"g4","content":"results"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"g5","name":"list_directory","input":{"path":"/workspace"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"g5","content":"a.js"}]}}`,
	}
	_, evs, _ := runNormalize(t, FormatGeminiStreamJSON, lines)

	require.Equal(t, []events.Kind{
		events.KindRunCommand,
		events.KindReadFile,
		events.KindWriteFile,
		events.KindWebSearch,
		events.KindToolCall,
	}, kinds(evs))

	cmd := evs[0]
	assert.Equal(t, "npm test", cmd.Data["command"])
	assert.Equal(t, "web", cmd.Data["cwd"])
	assert.Equal(t, float64(0), cmd.Data["exit_code"])

	assert.Equal(t, "pkg.json", evs[1].Data["path"])

	repl := evs[2]
	assert.Equal(t, "a.js", repl.Data["path"])
	assert.Equal(t, float64(1), repl.Data["lines_added"])
	assert.Equal(t, float64(2), repl.Data["lines_removed"])

	assert.Equal(t, "jest watch mode", evs[3].Data["query"])
	assert.Equal(t, "list_directory", evs[4].Data["name"])
}

func TestNormalizeDeterministic(t *testing.T) {
	lines := []string{
		`{"type":"item.completed","item":{"id":"i0","type":"command_execution","command":"false","aggregated_output":"boom\n","exit_code":1,"status":"failed"}}`,
		`{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"done"}}`,
	}
	read := func() []byte {
		dir := t.TempDir()
		rawPath, tsPath := writeRaw(t, dir, lines)
		outPath := filepath.Join(dir, "out.jsonl")
		sink := capture.NewFailureSink(dir, capture.DefaultPolicy(), func() time.Time {
			return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		})
		_, err := Run(Options{
			Format:         FormatCodexJSONL,
			RawPath:        rawPath,
			TSPath:         tsPath,
			OutPath:        outPath,
			WorkspaceMount: "/workspace",
			Sink:           sink,
			Policy:         capture.DefaultPolicy(),
		})
		require.NoError(t, err)
		b, err := os.ReadFile(outPath)
		require.NoError(t, err)
		return b
	}
	require.Equal(t, read(), read())
}

func TestRelPath(t *testing.T) {
	n := &normalizer{roots: pathRoots("/workspace", "/tmp/ws-host")}
	assert.Equal(t, "src/a.py", n.relPath("/workspace/src/a.py"))
	assert.Equal(t, ".", n.relPath("/workspace"))
	assert.Equal(t, "b.txt", n.relPath("/tmp/ws-host/b.txt"))
	assert.Equal(t, "/etc/passwd", n.relPath("/etc/passwd"))
	assert.Equal(t, "", n.relPath(""))
}

func TestRecoverJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, RecoverJSON(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, RecoverJSON("prose\n```json\n{\"a\":1}\n```\nmore"))
	assert.Equal(t, `[1,2]`, RecoverJSON("```\n[1,2]\n```"))
	assert.Empty(t, RecoverJSON("no json here"))
	assert.Empty(t, RecoverJSON("```\nstill prose\n```"))
	assert.Empty(t, RecoverJSON(""))
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, countLines(""))
	assert.Equal(t, 1, countLines("a"))
	assert.Equal(t, 1, countLines("a\n"))
	assert.Equal(t, 2, countLines("a\nb"))
	assert.Equal(t, 2, countLines("{\n}"))
}
