package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsavkov/sortie/internal/failure"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigKnowsAllAgents(t *testing.T) {
	cfg := Default()

	for _, name := range []string{"codex", "claude", "gemini"} {
		ag, err := cfg.Agent(name)
		require.NoError(t, err)
		assert.NotEmpty(t, ag.Binary)
		assert.NotEmpty(t, ag.OutputFormat)
	}
	pol, err := cfg.Policy("default")
	require.NoError(t, err)
	assert.Equal(t, 8000, pol.Capture.MaxExcerptBytes)
	assert.Equal(t, 1, pol.Verification.Attempts)
	assert.Equal(t, "/workspace", pol.Docker.WorkspaceMount)
	assert.True(t, pol.NetworkEnabled())
}

func TestLoadMergesLocalOverlay(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "runner.yaml", `version: 1
agents:
  codex:
    binary: codex
    model: base-model
policies:
  strict:
    allow_edits: false
    verification:
      attempts: 3
`)
	writeConfig(t, dir, "runner.local.yaml", `agents:
  codex:
    binary: /opt/bin/codex
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	ag, err := cfg.Agent("codex")
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/codex", ag.Binary)
	assert.Equal(t, "base-model", ag.Model)
	assert.Equal(t, "codex_jsonl", ag.OutputFormat)

	pol, err := cfg.Policy("strict")
	require.NoError(t, err)
	assert.Equal(t, 3, pol.Verification.Attempts)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "runner.yaml", "version: 1\nbogus_key: true\n")

	_, err := Load(path)
	require.Error(t, err)
	se := failure.Coerce(err)
	assert.Equal(t, "invalid_run_spec", se.Type)
	assert.NotEmpty(t, se.Hint)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "runner.yaml", `version: 1
policies:
  broken:
    idle_timeout_ms: -5
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative timeout")
}

func TestUnknownPolicyHintListsNames(t *testing.T) {
	cfg := Default()
	_, err := cfg.Policy("nope")
	require.Error(t, err)
	se := failure.Coerce(err)
	assert.Contains(t, se.Hint, "default")
}
