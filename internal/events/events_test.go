package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatTimeSecondResolutionUTC(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	ts := time.Date(2026, 2, 9, 1, 2, 3, 456789000, loc)
	require.Equal(t, "2026-02-09T09:02:03+00:00", FormatTime(ts))
}

func TestWriterAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "normalized_events.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.Append(New(now, KindRunCommand, map[string]any{
		"argv":      []string{"rg", "TODO", "README.md"},
		"command":   "rg TODO README.md",
		"exit_code": 1,
	})))
	require.NoError(t, w.Append(New(now.Add(time.Second), KindAgentMessage, map[string]any{
		"kind": "assistant",
		"text": "done",
	})))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close must be a no-op")

	got, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, KindRunCommand, got[0].Type)
	require.Equal(t, "2026-02-09T00:00:00+00:00", got[0].TS)
	require.Equal(t, "rg TODO README.md", got[0].Data["command"])
	require.Equal(t, KindAgentMessage, got[1].Type)
}

func TestWriterRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	err = w.Append(Event{TS: "2026-02-09T00:00:00+00:00", Type: Kind("bogus")})
	require.Error(t, err)
}

func TestAppendRawLinePreservesBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw_events.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)

	raw := `{"type":"item.completed","item":{"type":"agent_message","text":"hi é"}}`
	require.NoError(t, w.AppendRawLine([]byte(raw)))
	require.NoError(t, w.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, raw+"\n", string(b))
}

func TestEachLineSkipsEmptyButCountsThem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.jsonl")
	content := "{\"a\":1}\n\n{\"b\":2}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var lines []int
	err := EachLine(path, func(n int, line []byte) error {
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		lines = append(lines, n)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, lines)
}

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{
		KindReadFile, KindWriteFile, KindRunCommand, KindToolCall,
		KindAgentMessage, KindWebSearch, KindError,
	} {
		require.True(t, k.Valid(), "kind %s", k)
	}
	require.False(t, Kind("shell").Valid())
	require.False(t, Kind("").Valid())
}
