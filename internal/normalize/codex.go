package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buildkite/shellwords"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/events"
)

// codexEnvelope is one NDJSON line from codex exec --json. The stream carries
// no timestamps; canonical ts comes from the ingest sidecar.
type codexEnvelope struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Item     *codexItem  `json:"item,omitempty"`
	Error    *codexError `json:"error,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// codexItem is the nested item of item.started/item.completed. Field presence
// depends on the item type.
type codexItem struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	// agent_message, reasoning
	Text string `json:"text,omitempty"`

	// command_execution
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Cwd              string `json:"cwd,omitempty"`

	// file_changes
	Changes []codexChange `json:"changes,omitempty"`

	// web_search
	Query string `json:"query,omitempty"`

	// mcp_tool_call
	Server    string         `json:"server,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	Status string `json:"status,omitempty"`
}

type codexChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

type codexError struct {
	Message string `json:"message,omitempty"`
}

type codexTranslator struct {
	n *normalizer
}

func newCodexTranslator(n *normalizer) *codexTranslator {
	return &codexTranslator{n: n}
}

func (t *codexTranslator) line(lineNo int, line []byte) error {
	var env codexEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return fmt.Errorf("%w: %v", errUnparseable, err)
	}
	switch env.Type {
	case "thread.started", "turn.started", "turn.completed", "item.started", "item.updated":
		// Progress notifications; the completed item carries the payload.
		return nil
	case "item.completed":
		if env.Item == nil {
			return fmt.Errorf("%w: item.completed without item", errUnparseable)
		}
		return t.item(lineNo, env.Item)
	case "turn.failed":
		msg := ""
		if env.Error != nil {
			msg = env.Error.Message
		}
		return t.n.emit(lineNo, events.KindError, map[string]any{
			"category": "turn",
			"message":  msg,
		})
	case "error":
		return t.n.emit(lineNo, events.KindError, map[string]any{
			"category": "stream",
			"message":  env.Message,
		})
	default:
		return fmt.Errorf("%w: unknown codex event type %q", errUnparseable, env.Type)
	}
}

func (t *codexTranslator) item(lineNo int, it *codexItem) error {
	n := t.n
	switch it.Type {
	case "agent_message":
		n.setLastMessage(it.Text)
		return n.emit(lineNo, events.KindAgentMessage, map[string]any{
			"kind": "message",
			"text": it.Text,
		})
	case "reasoning":
		return n.emit(lineNo, events.KindAgentMessage, map[string]any{
			"kind": "reasoning",
			"text": it.Text,
		})
	case "command_execution":
		return t.command(lineNo, it)
	case "file_changes", "file_change":
		for _, ch := range it.Changes {
			err := n.emit(lineNo, events.KindWriteFile, map[string]any{
				"path": n.relPath(ch.Path),
			})
			if err != nil {
				return err
			}
		}
		return nil
	case "web_search":
		return n.emit(lineNo, events.KindWebSearch, map[string]any{
			"query": it.Query,
		})
	case "mcp_tool_call":
		return t.toolCall(lineNo, it)
	case "error":
		return n.emit(lineNo, events.KindError, map[string]any{
			"category": "agent",
			"message":  it.Message,
		})
	default:
		// Ancillary item kinds (todo lists and the like) parse fine but
		// have no canonical projection.
		return nil
	}
}

func (t *codexTranslator) command(lineNo int, it *codexItem) error {
	n := t.n
	argv := splitCommand(it.Command)
	exit := -1
	if it.ExitCode != nil {
		exit = *it.ExitCode
	}
	data := map[string]any{
		"argv":      argv,
		"command":   it.Command,
		"exit_code": exit,
	}
	if it.Cwd != "" {
		data["cwd"] = n.relPath(it.Cwd)
	}
	if it.AggregatedOutput != "" {
		ex := n.excerpt(it.AggregatedOutput)
		data["output_excerpt"] = ex.Text
		data["output_excerpt_truncated"] = ex.Truncated
	}
	if exit > 0 && n.opts.Sink != nil {
		artifacts, err := n.opts.Sink.RecordCommand(capture.CommandFailure{
			Command:  it.Command,
			Argv:     argv,
			ExitCode: exit,
			Cwd:      it.Cwd,
			Source:   "codex",
			RawLine:  lineNo,
		}, it.AggregatedOutput, "")
		if err != nil {
			return err
		}
		data["failure_artifacts"] = artifacts
	}
	return n.emit(lineNo, events.KindRunCommand, data)
}

func (t *codexTranslator) toolCall(lineNo int, it *codexItem) error {
	n := t.n
	name := it.Tool
	if it.Server != "" {
		name = it.Server + "." + it.Tool
	}
	input := it.Arguments
	if input == nil {
		input = map[string]any{}
	}
	isErr := it.Status == "failed"
	data := map[string]any{
		"name":     name,
		"input":    input,
		"is_error": isErr,
	}
	if isErr && n.opts.Sink != nil {
		artifacts, err := n.opts.Sink.RecordTool(capture.ToolFailure{
			Name:    name,
			CallID:  it.ID,
			Input:   input,
			Source:  "codex",
			RawLine: lineNo,
		}, "", "")
		if err != nil {
			return err
		}
		data["failure_artifacts"] = artifacts
	}
	return n.emit(lineNo, events.KindToolCall, data)
}

func (t *codexTranslator) finish() error { return nil }

// splitCommand recovers an argv from the shell command string codex reports.
// Unbalanced quoting falls back to whitespace fields so the event still
// carries something useful.
func splitCommand(command string) []string {
	argv, err := shellwords.Split(command)
	if err != nil || len(argv) == 0 {
		argv = strings.Fields(command)
	}
	if argv == nil {
		argv = []string{}
	}
	return argv
}
