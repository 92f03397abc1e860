// Package failure defines the structured error model persisted to
// error.json and the stable failure taxonomy downstream aggregators cluster
// on.
package failure

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// Error type names. Mixed casing is deliberate: adapter/process failures use
// the agent-facing class names, report/verification failures use the
// snake_case kinds that downstream consumers match on.
const (
	TypeAgentExecFailed       = "AgentExecFailed"
	TypeAgentQuotaExceeded    = "AgentQuotaExceeded"
	TypeAgentPreflightFailed  = "AgentPreflightFailed"
	TypeAgentLaunchFailed     = "AgentLaunchFailed"
	TypeCancelled             = "Cancelled"
	TypeRunnerError           = "RunnerError"
	TypeRunnerPanic           = "RunnerPanic"
	TypeReportValidationError = "report_validation_error"
	TypeMissingReport         = "missing_report"
	TypeVerificationFailed    = "verification_failed"
	TypeRejectedSentinel      = "rejected_sentinel"
	TypeTargetAcquireFailed   = "target_acquire_failed"
	TypeTargetNotGit          = "target_not_git"
	TypeSetupCommandFailed    = "setup_command_failed"
	TypeDockerUnavailable     = "docker_unavailable"
	TypeImageBuildFailed      = "image_build_failed"
	TypeContainerStartFailed  = "container_start_failed"
	TypeApplyPatchApproval    = "apply_patch_approval_request_denied"
)

// Subtype values referenced by classification and kind derivation.
const (
	SubtypeQuotaRefreshTokenReused = "refresh_token_reused"
	SubtypeProviderQuotaExceeded   = "provider_quota_exceeded"
	SubtypeProviderCapacity        = "provider_capacity"
	SubtypeProviderAuth            = "provider_auth"
	SubtypePermissionPolicy        = "permission_policy"
	SubtypePermissionHeredoc       = "permission_policy_heredoc"
	SubtypeInvalidAgentConfig      = "invalid_agent_config"
	SubtypeDiskFull                = "disk_full"
	SubtypeIdleTimeout             = "idle_timeout"
	SubtypeRunTimeout              = "run_timeout"
)

// StructuredError is the error.json document. Type and Hint are always
// non-empty; everything else is situational.
type StructuredError struct {
	Type              string            `json:"type"`
	Subtype           string            `json:"subtype,omitempty"`
	Code              string            `json:"code,omitempty"`
	ExitCode          *int              `json:"exit_code,omitempty"`
	Errno             int               `json:"errno,omitempty"`
	Filename          string            `json:"filename,omitempty"`
	Message           string            `json:"message,omitempty"`
	Stderr            string            `json:"stderr,omitempty"`
	StderrSynthesized bool              `json:"stderr_synthesized,omitempty"`
	Artifacts         map[string]string `json:"artifacts,omitempty"`
	ProviderMessage   string            `json:"provider_message,omitempty"`
	ResetTime         map[string]string `json:"reset_time,omitempty"`
	Details           map[string]any    `json:"details,omitempty"`
	Hint              string            `json:"hint"`
	TracebackArtifact string            `json:"traceback_artifact,omitempty"`
}

func (e *StructuredError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(e.Type)
	if e.Subtype != "" {
		b.WriteString("/" + e.Subtype)
	}
	if e.Code != "" {
		b.WriteString(" (" + e.Code + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// New builds a structured error. Hints are mandatory everywhere an error can
// surface; an empty hint gets a generic pointer at the artifacts.
func New(typ, message, hint string) *StructuredError {
	if strings.TrimSpace(hint) == "" {
		hint = "inspect the run directory artifacts (agent_stderr.txt, raw_events.jsonl) for details"
	}
	return &StructuredError{Type: typ, Message: message, Hint: hint}
}

// WithExit attaches a process exit code.
func (e *StructuredError) WithExit(code int) *StructuredError {
	c := code
	e.ExitCode = &c
	return e
}

// WithDetails merges ds into the error's details map.
func (e *StructuredError) WithDetails(ds map[string]any) *StructuredError {
	if len(ds) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	for k, v := range ds {
		e.Details[k] = v
	}
	return e
}

// AttachOSError copies errno/filename out of an OS error chain. ENOSPC also
// stamps the disk_full subtype so kind derivation lands correctly.
func (e *StructuredError) AttachOSError(err error) *StructuredError {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		e.Filename = pathErr.Path
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = int(errno)
		if errno == syscall.ENOSPC && e.Subtype == "" {
			e.Subtype = SubtypeDiskFull
		}
	}
	return e
}

// Coerce converts any error into a structured error. Existing structured
// errors pass through; context cancellation becomes Cancelled; everything
// else becomes a RunnerError with OS metadata extracted.
func Coerce(err error) *StructuredError {
	if err == nil {
		return nil
	}
	var se *StructuredError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return New(TypeCancelled, err.Error(),
			"the run was cancelled by signal or timeout; partial artifacts were kept")
	}
	return New(TypeRunnerError, err.Error(),
		"unexpected runner failure; inspect error.json and re-run with --log-level debug").AttachOSError(err)
}

// Kind is the stable failure bucket downstream aggregators cluster on.
type Kind string

const (
	KindError              Kind = "error"
	KindReportValidation   Kind = "report_validation_error"
	KindMissingReport      Kind = "missing_report"
	KindQuotaExhausted     Kind = "quota_exhausted"
	KindBinaryMissing      Kind = "binary_or_command_missing"
	KindProviderCapacity   Kind = "provider_capacity"
	KindProviderAuth       Kind = "provider_auth"
	KindPermissionPolicy   Kind = "permission_policy"
	KindInvalidAgentConfig Kind = "invalid_agent_config"
	KindDiskFull           Kind = "disk_full"
	KindUnknown            Kind = "unknown"
)

// KindOf derives the failure kind from a structured error. Pure; safe to
// call repeatedly for rendering.
func KindOf(e *StructuredError) Kind {
	if e == nil {
		return KindUnknown
	}
	switch e.Type {
	case TypeReportValidationError:
		return KindReportValidation
	case TypeMissingReport:
		return KindMissingReport
	case TypeAgentQuotaExceeded:
		return KindQuotaExhausted
	case TypeAgentLaunchFailed:
		return KindBinaryMissing
	}
	switch e.Subtype {
	case SubtypeQuotaRefreshTokenReused, SubtypeProviderQuotaExceeded:
		return KindQuotaExhausted
	case SubtypeProviderCapacity:
		return KindProviderCapacity
	case SubtypeProviderAuth:
		return KindProviderAuth
	case SubtypePermissionPolicy, SubtypePermissionHeredoc:
		return KindPermissionPolicy
	case SubtypeInvalidAgentConfig:
		return KindInvalidAgentConfig
	case SubtypeDiskFull:
		return KindDiskFull
	}
	if e.Errno == int(syscall.ENOSPC) {
		return KindDiskFull
	}
	if e.Code == "binary_missing" {
		return KindBinaryMissing
	}
	if e.Type == TypeAgentExecFailed {
		return KindError
	}
	return KindUnknown
}
