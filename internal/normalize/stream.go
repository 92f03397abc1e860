package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/events"
)

// streamEnvelope is one NDJSON line of --output-format stream-json, shared by
// the claude and gemini CLIs.
type streamEnvelope struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Message *streamMessage `json:"message,omitempty"`
	Event   *streamInner   `json:"event,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

type streamMessage struct {
	Role    string        `json:"role,omitempty"`
	Content []streamBlock `json:"content,omitempty"`
}

// streamBlock is a single entry in message.content[].
type streamBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"-"` // handled manually; can be string or array
	IsError   bool   `json:"is_error,omitempty"`
}

// streamInner is the nested payload of a partial-message stream_event.
type streamInner struct {
	Type  string       `json:"type"`
	Delta *streamDelta `json:"delta,omitempty"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callMapper projects a tool_use block onto a canonical kind plus the event
// data known at call time. Result-derived fields (exit code, excerpts,
// is_error) are filled in when the paired tool_result arrives.
type callMapper func(n *normalizer, name string, input map[string]any) (events.Kind, map[string]any)

// pendingCall is a tool_use awaiting its tool_result.
type pendingCall struct {
	id      string
	name    string
	input   map[string]any
	kind    events.Kind
	data    map[string]any
	command string
	argv    []string
	rawLine int
}

// streamTranslator walks claude-style envelopes. Assistant text is buffered
// and flushed as one agent_message on any non-message boundary; tool calls
// are emitted once their result pairs up (or at end of stream, unpaired).
type streamTranslator struct {
	n      *normalizer
	source string
	mapper callMapper

	pending map[string]*pendingCall
	order   []string

	deltaParts []string
	finalText  string
	hasFinal   bool
	msgLine    int
}

func newStreamTranslator(n *normalizer, source string, mapper callMapper) *streamTranslator {
	return &streamTranslator{
		n:       n,
		source:  source,
		mapper:  mapper,
		pending: map[string]*pendingCall{},
	}
}

func (t *streamTranslator) line(lineNo int, line []byte) error {
	var env streamEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return fmt.Errorf("%w: %v", errUnparseable, err)
	}
	// tool_result content can be a string or an array of parts; the typed
	// decode skips it, so it is recovered from the raw line.
	if env.Message != nil {
		fillToolResultContent(line, env.Message)
	}

	switch env.Type {
	case "system":
		return nil
	case "stream_event":
		if env.Event != nil && env.Event.Type == "content_block_delta" &&
			env.Event.Delta != nil && env.Event.Delta.Type == "text_delta" {
			t.bufferDelta(env.Event.Delta.Text, lineNo)
		}
		return nil
	case "assistant":
		return t.assistant(lineNo, env.Message)
	case "user":
		return t.user(lineNo, env.Message)
	case "result":
		if err := t.flushMessage(); err != nil {
			return err
		}
		if !env.IsError {
			t.n.setLastMessage(env.Result)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown stream event type %q", errUnparseable, env.Type)
	}
}

func (t *streamTranslator) assistant(lineNo int, msg *streamMessage) error {
	if msg == nil {
		return nil
	}
	var seg []string
	segLine := lineNo
	flushSeg := func() {
		if len(seg) > 0 {
			t.bufferFinal(strings.Join(seg, "\n"), segLine)
			seg = nil
		}
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				seg = append(seg, block.Text)
			}
		case "thinking":
			flushSeg()
			if err := t.flushMessage(); err != nil {
				return err
			}
			if block.Thinking == "" {
				continue
			}
			err := t.n.emit(lineNo, events.KindAgentMessage, map[string]any{
				"kind": "reasoning",
				"text": block.Thinking,
			})
			if err != nil {
				return err
			}
		case "tool_use":
			flushSeg()
			if err := t.flushMessage(); err != nil {
				return err
			}
			t.register(lineNo, block)
		}
	}
	flushSeg()
	return nil
}

func (t *streamTranslator) user(lineNo int, msg *streamMessage) error {
	if msg == nil {
		return nil
	}
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		if err := t.flushMessage(); err != nil {
			return err
		}
		if err := t.resolve(block); err != nil {
			return err
		}
	}
	return nil
}

// register holds a tool_use until its result arrives.
func (t *streamTranslator) register(lineNo int, block streamBlock) {
	input := block.Input
	if input == nil {
		input = map[string]any{}
	}
	kind, data := t.mapper(t.n, block.Name, input)
	pc := &pendingCall{
		id:      block.ID,
		name:    block.Name,
		input:   input,
		kind:    kind,
		data:    data,
		rawLine: lineNo,
	}
	if kind == events.KindRunCommand {
		pc.command, _ = data["command"].(string)
		pc.argv, _ = data["argv"].([]string)
	}
	t.pending[block.ID] = pc
	t.order = append(t.order, block.ID)
}

// resolve pairs a tool_result with its call and emits the canonical event,
// stamped at the call's raw line. Orphaned results have nothing to project.
func (t *streamTranslator) resolve(block streamBlock) error {
	pc, ok := t.pending[block.ToolUseID]
	if !ok {
		return nil
	}
	delete(t.pending, block.ToolUseID)
	for i, id := range t.order {
		if id == block.ToolUseID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}

	t.n.noteToolPayload(block.Content)

	n := t.n
	data := pc.data
	switch pc.kind {
	case events.KindRunCommand:
		exit := 0
		if block.IsError {
			exit = 1
		}
		data["exit_code"] = exit
		if block.Content != "" {
			ex := n.excerpt(block.Content)
			data["output_excerpt"] = ex.Text
			data["output_excerpt_truncated"] = ex.Truncated
		}
		if block.IsError && n.opts.Sink != nil {
			artifacts, err := n.opts.Sink.RecordCommand(capture.CommandFailure{
				Command:  pc.command,
				Argv:     pc.argv,
				ExitCode: exit,
				Source:   t.source,
				RawLine:  pc.rawLine,
			}, block.Content, "")
			if err != nil {
				return err
			}
			data["failure_artifacts"] = artifacts
		}
	case events.KindToolCall:
		data["is_error"] = block.IsError
		if block.IsError && n.opts.Sink != nil {
			artifacts, err := t.recordToolFailure(pc, block.Content)
			if err != nil {
				return err
			}
			data["failure_artifacts"] = artifacts
		}
	default:
		if block.IsError && n.opts.Sink != nil {
			artifacts, err := t.recordToolFailure(pc, block.Content)
			if err != nil {
				return err
			}
			data["failure_artifacts"] = artifacts
		}
	}
	return n.emit(pc.rawLine, pc.kind, data)
}

func (t *streamTranslator) recordToolFailure(pc *pendingCall, content string) (map[string]string, error) {
	return t.n.opts.Sink.RecordTool(capture.ToolFailure{
		Name:    pc.name,
		CallID:  pc.id,
		Input:   pc.input,
		Source:  t.source,
		RawLine: pc.rawLine,
	}, content, "")
}

// bufferDelta accumulates streamed text fragments.
func (t *streamTranslator) bufferDelta(text string, lineNo int) {
	if text == "" {
		return
	}
	if len(t.deltaParts) == 0 && !t.hasFinal {
		t.msgLine = lineNo
	}
	t.deltaParts = append(t.deltaParts, text)
}

// bufferFinal records a complete assistant segment. The last contiguous
// complete segment supersedes both earlier completes and any deltas.
func (t *streamTranslator) bufferFinal(text string, lineNo int) {
	if len(t.deltaParts) == 0 && !t.hasFinal {
		t.msgLine = lineNo
	}
	t.finalText = text
	t.hasFinal = true
}

// flushMessage emits the buffered assistant text, if any, as one event.
func (t *streamTranslator) flushMessage() error {
	text := ""
	if t.hasFinal {
		text = t.finalText
	} else {
		text = strings.Join(t.deltaParts, "")
	}
	t.deltaParts = nil
	t.finalText = ""
	t.hasFinal = false
	if strings.TrimSpace(text) == "" {
		return nil
	}
	t.n.setLastMessage(text)
	return t.n.emit(t.msgLine, events.KindAgentMessage, map[string]any{
		"kind": "message",
		"text": text,
	})
}

// finish flushes the trailing assistant message and any calls whose results
// never arrived.
func (t *streamTranslator) finish() error {
	if err := t.flushMessage(); err != nil {
		return err
	}
	for _, id := range t.order {
		pc, ok := t.pending[id]
		if !ok {
			continue
		}
		data := pc.data
		switch pc.kind {
		case events.KindRunCommand:
			data["exit_code"] = -1
		case events.KindToolCall:
			data["is_error"] = false
		}
		if err := t.n.emit(pc.rawLine, pc.kind, data); err != nil {
			return err
		}
	}
	t.pending = map[string]*pendingCall{}
	t.order = nil
	return nil
}

// fillToolResultContent re-parses the raw line to recover tool_result content,
// which the API emits as either a plain string or an array of parts.
func fillToolResultContent(raw []byte, msg *streamMessage) {
	var envelope struct {
		Message struct {
			Content []json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	for i, rawBlock := range envelope.Message.Content {
		if i >= len(msg.Content) {
			break
		}
		if msg.Content[i].Type != "tool_result" {
			continue
		}
		var block struct {
			Content any `json:"content"`
		}
		if err := json.Unmarshal(rawBlock, &block); err != nil {
			continue
		}
		switch v := block.Content.(type) {
		case string:
			msg.Content[i].Content = v
		case nil:
		default:
			msg.Content[i].Content = flattenResultContent(v)
		}
	}
}

// flattenResultContent renders structured tool_result content as text. Arrays
// of text parts collapse to the joined text; anything else serializes back to
// JSON.
func flattenResultContent(v any) string {
	parts, ok := v.([]any)
	if ok {
		var texts []string
		allText := true
		for _, p := range parts {
			m, ok := p.(map[string]any)
			if !ok {
				allText = false
				break
			}
			if typ, _ := m["type"].(string); typ != "text" {
				allText = false
				break
			}
			if s, _ := m["text"].(string); s != "" {
				texts = append(texts, s)
			}
		}
		if allText {
			return strings.Join(texts, "\n")
		}
	}
	b, _ := json.Marshal(v)
	return string(b)
}
