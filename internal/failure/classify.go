package failure

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// installHints maps agent names to the command that installs the CLI. Used
// when the binary is missing so the hint is actionable rather than generic.
var installHints = map[string]string{
	"codex":  "npm install -g @openai/codex",
	"claude": "npm install -g @anthropic-ai/claude-code",
	"gemini": "npm install -g @google/gemini-cli",
}

// InstallHint returns the install command for a known agent, or a generic
// PATH hint otherwise.
func InstallHint(agent, binary string) string {
	if cmd, ok := installHints[agent]; ok {
		return fmt.Sprintf("install the %s CLI (%s) or point agents.%s.binary at an existing executable", agent, cmd, agent)
	}
	return fmt.Sprintf("ensure %q is installed and on PATH, or set agents.%s.binary", binary, agent)
}

// Phrase sets for stderr/last-message classification. Matching is
// case-insensitive substring; order of the cascade encodes specificity.
var (
	quotaPhrases = []string{
		"out of extra usage",
		"usage limit reached",
		"quota exceeded",
		"insufficient_quota",
		"out of credits",
		"billing hard limit",
		"monthly spend limit",
	}
	capacityPhrases = []string{
		"overloaded_error",
		"overloaded",
		"resource_exhausted",
		"resource has been exhausted",
		"too many requests",
		"rate limit",
		"rate-limited",
		"429",
		"service unavailable",
		"503",
		"capacity constraints",
	}
	authPhrases = []string{
		"401",
		"unauthorized",
		"invalid api key",
		"invalid x-api-key",
		"authentication failed",
		"authentication_error",
		"please run /login",
		"not logged in",
		"could not load credentials",
	}
	permissionPhrases = []string{
		"permission denied by sandbox",
		"approval required",
		"approval policy",
		"operation rejected by policy",
		"blocked by permission",
		"sandbox denied",
	}
	diskPhrases = []string{
		"no space left on device",
		"disk quota exceeded",
	}
	configPhrases = []string{
		"unknown model",
		"invalid model",
		"model not found",
		"unsupported flag",
		"unknown option",
		"unrecognized arguments",
		"invalid value for",
	}
	heredocPhrases = []string{
		"here-document",
		"heredoc",
		"<<eof",
		"<< 'eof'",
	}
)

// RefreshTokenReusedPhrase appears on stderr when a CLI's OAuth refresh
// token is burned by a concurrent login. Fatal immediately: retrying churns
// more tokens.
const RefreshTokenReusedPhrase = "refresh token reused"

func containsAny(lower string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// lineContaining returns the first line of text that contains phrase
// (case-insensitive), trimmed.
func lineContaining(text, phrase string) string {
	for _, ln := range strings.Split(text, "\n") {
		if strings.Contains(strings.ToLower(ln), phrase) {
			return strings.TrimSpace(ln)
		}
	}
	return ""
}

func firstNonEmptyLine(s string) string {
	for _, ln := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(ln); t != "" {
			return t
		}
	}
	return ""
}

// DetectQuota scans agent output for provider quota exhaustion. It returns
// the matched provider line and, when the same text advertises a reset
// window, the raw reset phrase for reset_time.raw.
func DetectQuota(text string) (providerMessage, resetRaw string, ok bool) {
	lower := strings.ToLower(text)
	phrase, hit := containsAny(lower, quotaPhrases)
	if !hit {
		return "", "", false
	}
	providerMessage = lineContaining(text, phrase)
	if strings.Contains(strings.ToLower(providerMessage), "reset") {
		resetRaw = providerMessage
	} else if strings.Contains(lower, "reset") {
		resetRaw = lineContaining(text, "reset")
	}
	return providerMessage, resetRaw, true
}

// DetectPolicyDenial reports whether command output shows a sandbox or
// approval-policy rejection, distinguishing the heredoc-in-sandboxed-shell
// variant. Used both for failure classification and for tagging failed
// command excerpts in metrics.
func DetectPolicyDenial(text string) (string, bool) {
	lower := strings.ToLower(text)
	if _, ok := containsAny(lower, permissionPhrases); !ok {
		return "", false
	}
	if _, heredoc := containsAny(lower, heredocPhrases); heredoc {
		return SubtypePermissionHeredoc, true
	}
	return SubtypePermissionPolicy, true
}

// isExecutableNotFound reports whether err means the CLI binary itself could
// not be spawned, as opposed to the process starting and failing.
func isExecutableNotFound(err error) bool {
	if err == nil {
		return false
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "no such file or directory")
}

// ClassifyAgentFailure turns a failed agent invocation into a structured
// error. The cascade checks spawn errors first, then provider-level
// conditions in stderr and the last agent message, then local causes, and
// falls back to a generic exec failure. Stderr attachment and synthesis are
// the caller's job; classification only decides type, subtype, code, and
// hint.
func ClassifyAgentFailure(agent, binary string, exitCode int, stderr, lastMessage string, runErr error) *StructuredError {
	if isExecutableNotFound(runErr) {
		se := New(TypeAgentLaunchFailed,
			fmt.Sprintf("agent %q could not be launched: %v", agent, runErr),
			InstallHint(agent, binary))
		se.Code = "binary_missing"
		return se
	}

	combined := stderr
	if lastMessage != "" {
		combined = combined + "\n" + lastMessage
	}
	lower := strings.ToLower(combined)

	if strings.Contains(lower, RefreshTokenReusedPhrase) {
		se := New(TypeAgentQuotaExceeded,
			fmt.Sprintf("agent %q aborted: provider refresh token was reused by another session", agent),
			fmt.Sprintf("re-authenticate the %s CLI and avoid sharing its credential store across concurrent runners", agent))
		se.Subtype = SubtypeQuotaRefreshTokenReused
		se.ProviderMessage = lineContaining(combined, RefreshTokenReusedPhrase)
		return se.WithExit(exitCode)
	}

	if providerMsg, resetRaw, ok := DetectQuota(combined); ok {
		se := New(TypeAgentQuotaExceeded,
			fmt.Sprintf("agent %q stopped: provider usage quota exhausted", agent),
			"wait for the provider quota window to reset, or rerun with a different --agent or --model")
		se.Code = SubtypeProviderQuotaExceeded
		se.ProviderMessage = providerMsg
		if resetRaw != "" {
			se.ResetTime = map[string]string{"raw": resetRaw}
		}
		return se.WithExit(exitCode)
	}

	if phrase, ok := containsAny(lower, authPhrases); ok {
		se := New(TypeAgentExecFailed,
			fmt.Sprintf("agent %q failed provider authentication", agent),
			fmt.Sprintf("log in to the %s CLI again and confirm the API key or OAuth session is valid", agent))
		se.Subtype = SubtypeProviderAuth
		se.ProviderMessage = lineContaining(combined, phrase)
		return se.WithExit(exitCode)
	}

	if phrase, ok := containsAny(lower, capacityPhrases); ok {
		se := New(TypeAgentExecFailed,
			fmt.Sprintf("agent %q hit provider capacity limits", agent),
			"transient provider condition; retry the run after a short delay")
		se.Subtype = SubtypeProviderCapacity
		se.ProviderMessage = lineContaining(combined, phrase)
		return se.WithExit(exitCode)
	}

	if phrase, ok := containsAny(lower, permissionPhrases); ok {
		sub := SubtypePermissionPolicy
		if _, heredoc := containsAny(lower, heredocPhrases); heredoc {
			sub = SubtypePermissionHeredoc
		}
		se := New(TypeAgentExecFailed,
			fmt.Sprintf("agent %q had an operation rejected by its permission policy", agent),
			"loosen the agent's approval or sandbox settings in runner.yaml, or grant the denied capability")
		se.Subtype = sub
		se.ProviderMessage = lineContaining(combined, phrase)
		return se.WithExit(exitCode)
	}

	if phrase, ok := containsAny(lower, diskPhrases); ok {
		se := New(TypeAgentExecFailed,
			fmt.Sprintf("agent %q failed: %s", agent, phrase),
			"free disk space under the runs root and the workspace, then rerun")
		se.Subtype = SubtypeDiskFull
		return se.WithExit(exitCode)
	}

	if phrase, ok := containsAny(lower, configPhrases); ok {
		se := New(TypeAgentExecFailed,
			fmt.Sprintf("agent %q rejected its invocation: %s", agent, lineContaining(combined, phrase)),
			fmt.Sprintf("check agents.%s in runner.yaml (model name, extra args) against the installed CLI version", agent))
		se.Subtype = SubtypeInvalidAgentConfig
		return se.WithExit(exitCode)
	}

	msg := firstNonEmptyLine(stderr)
	if msg == "" {
		msg = fmt.Sprintf("agent %q exited with code %d", agent, exitCode)
	}
	se := New(TypeAgentExecFailed, msg,
		"inspect agent_stderr.txt and the tail of raw_events.jsonl for the underlying cause")
	return se.WithExit(exitCode)
}
