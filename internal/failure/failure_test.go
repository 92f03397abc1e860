package failure

import (
	"encoding/json"
	"errors"
	"io/fs"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyQuotaFromLastMessage(t *testing.T) {
	last := "You've hit your usage limit. Out of extra usage · reset 3:04am (America/Los_Angeles)."
	se := ClassifyAgentFailure("claude", "claude", 1, "", last, nil)

	assert.Equal(t, TypeAgentQuotaExceeded, se.Type)
	assert.Equal(t, SubtypeProviderQuotaExceeded, se.Code)
	require.NotNil(t, se.ResetTime)
	assert.Contains(t, se.ResetTime["raw"], "reset 3:04am")
	assert.Contains(t, se.ProviderMessage, "Out of extra usage")
	require.NotNil(t, se.ExitCode)
	assert.Equal(t, 1, *se.ExitCode)
	assert.NotEmpty(t, se.Hint)
	assert.Equal(t, KindQuotaExhausted, KindOf(se))
}

func TestClassifyRefreshTokenReused(t *testing.T) {
	se := ClassifyAgentFailure("codex", "codex", 1,
		"ERROR: refresh token reused, aborting session\n", "", nil)

	assert.Equal(t, TypeAgentQuotaExceeded, se.Type)
	assert.Equal(t, SubtypeQuotaRefreshTokenReused, se.Subtype)
	assert.Contains(t, se.Hint, "re-authenticate")
	assert.Equal(t, KindQuotaExhausted, KindOf(se))
}

func TestClassifyBinaryMissing(t *testing.T) {
	spawnErr := errors.New(`exec: "codex": executable file not found in $PATH`)
	se := ClassifyAgentFailure("codex", "codex", -1, "", "", spawnErr)

	assert.Equal(t, TypeAgentLaunchFailed, se.Type)
	assert.Equal(t, "binary_missing", se.Code)
	assert.Contains(t, se.Hint, "npm install -g @openai/codex")
	assert.Equal(t, KindBinaryMissing, KindOf(se))
}

func TestClassifyAuthAndCapacity(t *testing.T) {
	auth := ClassifyAgentFailure("gemini", "gemini", 1,
		"Error: 401 Unauthorized: invalid API key\n", "", nil)
	assert.Equal(t, SubtypeProviderAuth, auth.Subtype)
	assert.Equal(t, KindProviderAuth, KindOf(auth))

	cap := ClassifyAgentFailure("claude", "claude", 1,
		"API error: overloaded_error, please retry\n", "", nil)
	assert.Equal(t, SubtypeProviderCapacity, cap.Subtype)
	assert.Equal(t, KindProviderCapacity, KindOf(cap))
}

func TestClassifyPermissionHeredocVariant(t *testing.T) {
	stderr := "command blocked: approval required for shell execution\nrejected snippet used a here-document (<<EOF)\n"
	se := ClassifyAgentFailure("claude", "claude", 1, stderr, "", nil)

	assert.Equal(t, SubtypePermissionHeredoc, se.Subtype)
	assert.Equal(t, KindPermissionPolicy, KindOf(se))
}

func TestClassifyGenericFallsBackToFirstStderrLine(t *testing.T) {
	se := ClassifyAgentFailure("codex", "codex", 3,
		"\nsomething odd happened\nmore context\n", "", nil)

	assert.Equal(t, TypeAgentExecFailed, se.Type)
	assert.Empty(t, se.Subtype)
	assert.Equal(t, "something odd happened", se.Message)
	assert.Equal(t, KindError, KindOf(se))
}

func TestSummarizeStderrWarningOnly(t *testing.T) {
	stderr := "shell snapshot unsupported\nshell snapshot unsupported\n(node) DeprecationWarning: punycode is deprecated\n"
	sum := SummarizeStderr(stderr)

	assert.True(t, sum.WarningOnly)
	assert.Empty(t, sum.Residual)
	require.NotEmpty(t, sum.Warnings)
	assert.Equal(t, "shell snapshot unsupported (x2)", sum.Warnings[0])
}

func TestSummarizeStderrKeepsResidual(t *testing.T) {
	stderr := "turn metadata header timeout\nFATAL: stream disconnected\n"
	sum := SummarizeStderr(stderr)

	assert.False(t, sum.WarningOnly)
	assert.Contains(t, sum.Residual, "FATAL: stream disconnected")
	assert.Len(t, sum.Warnings, 1)
}

func TestSummarizeStderrEmptyIsNotWarningOnly(t *testing.T) {
	assert.False(t, SummarizeStderr("").WarningOnly)
	assert.False(t, SummarizeStderr("\n\n").WarningOnly)
}

func TestCoercePassthroughAndWrap(t *testing.T) {
	orig := New(TypeMissingReport, "no report found", "check report_path")
	assert.Same(t, orig, Coerce(orig))

	wrapped := Coerce(&fs.PathError{Op: "open", Path: "/tmp/x", Err: syscall.ENOSPC})
	assert.Equal(t, TypeRunnerError, wrapped.Type)
	assert.Equal(t, "/tmp/x", wrapped.Filename)
	assert.Equal(t, int(syscall.ENOSPC), wrapped.Errno)
	assert.Equal(t, KindDiskFull, KindOf(wrapped))
}

func TestStructuredErrorJSONShape(t *testing.T) {
	se := New(TypeVerificationFailed, "exit 2", "inspect verification/attempt1").WithExit(2)
	se.Details = map[string]any{"rejected_sentinel": false}

	raw, err := json.Marshal(se)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "verification_failed", m["type"])
	assert.Equal(t, float64(2), m["exit_code"])
	assert.NotContains(t, m, "errno")
	assert.NotContains(t, m, "reset_time")
	assert.NotEmpty(t, m["hint"])
}

func TestHintNeverEmpty(t *testing.T) {
	se := New(TypeRunnerError, "boom", "   ")
	assert.NotEmpty(t, se.Hint)
}

func TestBackoffDeterministicAndCapped(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 2, MaxDelayMS: 400, Jitter: true}

	d1 := cfg.DelayForAttempt(1, "seed-a")
	d1again := cfg.DelayForAttempt(1, "seed-a")
	assert.Equal(t, d1, d1again)

	// Jitter multiplier stays in [0.5, 1.5], so a capped base of 400ms
	// never exceeds 600ms.
	d4 := cfg.DelayForAttempt(4, "seed-a")
	assert.LessOrEqual(t, d4, 600*time.Millisecond)
	assert.GreaterOrEqual(t, d4, 200*time.Millisecond)
}

func TestBackoffDefaults(t *testing.T) {
	var cfg BackoffConfig
	assert.Equal(t, 200*time.Millisecond, cfg.DelayForAttempt(1, ""))
	assert.Equal(t, 400*time.Millisecond, cfg.DelayForAttempt(2, ""))
}
