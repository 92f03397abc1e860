package capture

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTakeSmallTextPassesThrough(t *testing.T) {
	ex := Policy{MaxExcerptBytes: 100}.Take("hello world")
	require.Equal(t, "hello world", ex.Text)
	require.False(t, ex.Truncated)
	require.Equal(t, 11, ex.TotalBytes)
	require.NotEmpty(t, ex.SHA256)
}

func TestTakeHeadTailTruncation(t *testing.T) {
	head := "HEADTOKEN-"
	tail := "-TAILTOKEN"
	body := head + strings.Repeat("x", 200*1024) + tail
	ex := Policy{MaxExcerptBytes: 8000}.Take(body)

	require.True(t, ex.Truncated)
	require.LessOrEqual(t, len(ex.Text), 8000, "excerpt must fit the budget, marker included")
	require.True(t, strings.HasPrefix(ex.Text, head), "head survives")
	require.True(t, strings.HasSuffix(ex.Text, tail), "tail survives")
	require.Equal(t, 1, strings.Count(ex.Text, TruncationMarker))
	require.Equal(t, len(body), ex.TotalBytes)
}

func TestTakeRespectsRuneBoundaries(t *testing.T) {
	body := strings.Repeat("é", 6000) // 2 bytes each
	ex := Policy{MaxExcerptBytes: 1000}.Take(body)
	require.True(t, ex.Truncated)
	require.True(t, strings.Contains(ex.Text, TruncationMarker))
	for _, part := range strings.Split(ex.Text, TruncationMarker) {
		require.True(t, isValidUTF8(part), "no partial runes at cut edges")
	}
}

func isValidUTF8(s string) bool {
	return strings.ToValidUTF8(s, "�") == s
}

func TestTakeBinaryDetection(t *testing.T) {
	b := []byte("ELF\x00\x01\x02binarybinary")
	ex := Policy{MaxExcerptBytes: 8000}.TakeBytes(b)
	require.True(t, ex.Binary)
	require.Contains(t, ex.Text, BinaryMarker)
	require.Contains(t, ex.Text, ex.SHA256)
	require.False(t, ex.Truncated)
}

func TestTakeMaxLines(t *testing.T) {
	body := strings.Repeat("line\n", 50)
	ex := Policy{MaxExcerptBytes: 8000, MaxLines: 10}.Take(body)
	require.True(t, ex.Truncated)
	require.Equal(t, 10, strings.Count(ex.Text, "line"))
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "meta.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]any{"a": 1}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, float64(1), m["a"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestFailureSinkNumbersDirectories(t *testing.T) {
	root := t.TempDir()
	clock := func() time.Time { return time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC) }
	sink := NewFailureSink(root, DefaultPolicy(), clock)

	art1, err := sink.RecordCommand(CommandFailure{
		Command: "make test", Argv: []string{"make", "test"}, ExitCode: 2, Source: "codex",
	}, "out", "err")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("command_failures", "cmd_01"), art1["dir"])

	art2, err := sink.RecordCommand(CommandFailure{Command: "true", ExitCode: 1, Source: "codex"}, "", "boom")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("command_failures", "cmd_02"), art2["dir"])

	toolArt, err := sink.RecordTool(ToolFailure{Name: "Web Search!", Source: "claude"}, "", "denied")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("tool_failures", "tool_01_web_search_"), toolArt["dir"])

	// command.json round-trips.
	b, err := os.ReadFile(filepath.Join(root, art1["command.json"]))
	require.NoError(t, err)
	var meta CommandFailure
	require.NoError(t, json.Unmarshal(b, &meta))
	require.Equal(t, 2, meta.ExitCode)
	require.Equal(t, []string{"make", "test"}, meta.Argv)

	// stderr.txt holds the full text.
	b, err = os.ReadFile(filepath.Join(root, art2["stderr.txt"]))
	require.NoError(t, err)
	require.Equal(t, "boom", string(b))

	for _, name := range []string{"command.json", "stdout.txt", "stderr.txt", "timing.json"} {
		_, statErr := os.Stat(filepath.Join(root, art1["dir"], name))
		require.NoError(t, statErr, "artifact %s", name)
	}
}
