package engine

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/failure"
	"github.com/vsavkov/sortie/internal/sandbox"
)

// preflightProbeTimeout bounds the optional --version capability probe.
const preflightProbeTimeout = 10 * time.Second

// preflightRecord is the preflight.json artifact.
type preflightRecord struct {
	Agent          string `json:"agent"`
	Binary         string `json:"binary"`
	ResolvedBinary string `json:"resolved_binary,omitempty"`
	Backend        string `json:"backend"`
	Skipped        string `json:"skipped,omitempty"`
	ProbeOutput    string `json:"probe_output,omitempty"`
	ProbeError     string `json:"probe_error,omitempty"`
	ProbeMS        int64  `json:"probe_ms,omitempty"`
}

// preflight rejects impossible mission/policy combinations and resolves the
// agent binary before any workspace exists. Docker runs resolve the binary
// inside the container, so only the combination checks apply there.
func (r *runner) preflight(ctx context.Context) *failure.StructuredError {
	backend := r.req.ExecBackend
	if backend == "" {
		backend = BackendLocal
	}

	if r.spec.RequiresEdits && !r.policy.AllowEdits {
		return failure.New(failure.TypeAgentPreflightFailed,
			fmt.Sprintf("mission %q requires edits but policy %q forbids them", r.spec.MissionID, r.policyName()),
			"pick a policy with allow_edits: true, or a read-only mission")
	}
	if family := sandbox.EffectiveShellFamily(backend == BackendDocker); r.spec.RequiresShell && family != sandbox.ShellBash {
		return failure.New(failure.TypeAgentPreflightFailed,
			fmt.Sprintf("mission %q requires shell tooling but the local shell family is %s", r.spec.MissionID, family),
			"run with --exec-backend docker so the mission's commands execute under a POSIX shell")
	}
	rec := preflightRecord{
		Agent:   r.req.Agent,
		Binary:  r.agent.Binary,
		Backend: backend,
	}

	if backend == BackendDocker {
		rec.Skipped = "binary resolves against the container image PATH"
		return r.writePreflight(rec)
	}

	resolved, err := exec.LookPath(r.agent.Binary)
	if err != nil {
		se := failure.New(failure.TypeAgentPreflightFailed,
			fmt.Sprintf("agent binary %q not found on PATH", r.agent.Binary),
			failure.InstallHint(r.req.Agent, r.agent.Binary))
		se.Code = "binary_missing"
		return se
	}
	rec.ResolvedBinary = resolved

	probeCtx, cancel := context.WithTimeout(ctx, preflightProbeTimeout)
	defer cancel()
	started := time.Now()
	out, perr := exec.CommandContext(probeCtx, resolved, "--version").CombinedOutput()
	rec.ProbeMS = time.Since(started).Milliseconds()
	if perr != nil {
		// Some CLIs have no --version; the lookup already proved the binary
		// is launchable, so a probe miss is informational only.
		rec.ProbeError = perr.Error()
	}
	rec.ProbeOutput = firstLine(string(out))
	return r.writePreflight(rec)
}

func (r *runner) writePreflight(rec preflightRecord) *failure.StructuredError {
	if err := capture.WriteJSONAtomic(filepath.Join(r.runDir, PreflightName), rec); err != nil {
		return failure.Coerce(err)
	}
	return nil
}

func firstLine(s string) string {
	for _, ln := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(ln); t != "" {
			return t
		}
	}
	return ""
}
