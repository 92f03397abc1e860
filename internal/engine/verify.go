package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vsavkov/sortie/internal/failure"
	"github.com/vsavkov/sortie/internal/sandbox"
)

// rejectedSentinel is the distinguished verification token meaning "the
// operator explicitly rejected this run". It is never executed.
const rejectedSentinel = "rejected"

// sentinelRejected reports whether any verification command is the literal
// sentinel, bare or quoted.
func sentinelRejected(cmds []string) bool {
	for _, c := range cmds {
		t := strings.Trim(strings.TrimSpace(c), `"'`)
		if t == rejectedSentinel {
			return true
		}
	}
	return false
}

// verificationGate runs the operator's post-run commands through the
// backend's command prefix. Attempts beyond the first pause with seeded
// backoff; each attempt gets its own artifact directory.
func (r *runner) verificationGate(ctx context.Context) *failure.StructuredError {
	cmds := make([]string, 0, len(r.req.VerifyCommands))
	for _, c := range r.req.VerifyCommands {
		if strings.TrimSpace(c) != "" {
			cmds = append(cmds, c)
		}
	}
	if len(cmds) == 0 {
		return nil
	}

	if sentinelRejected(cmds) {
		se := failure.New(failure.TypeRejectedSentinel,
			"operator rejected the run via the verification sentinel",
			"remove the rejected token from --verify to let the gate execute")
		se.WithExit(126)
		se.WithDetails(map[string]any{"rejected_sentinel": true})
		return se
	}

	attempts := r.policy.Verification.Attempts
	if attempts < 1 {
		attempts = 1
	}
	prefix := r.inst.CommandPrefix()
	family := sandbox.EffectiveShellFamily(len(prefix) > 0)

	var last *failure.StructuredError
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := r.policy.Verification.Backoff.DelayForAttempt(attempt-1, r.backoffSeed())
			r.log.Info("verification retry", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return failure.Coerce(ctx.Err())
			}
		}
		last = r.runVerifyAttempt(ctx, attempt, prefix, family, cmds)
		if last == nil {
			if attempt > 1 {
				r.warn(fmt.Sprintf("verification passed on attempt %d", attempt))
			}
			return nil
		}
	}
	return last
}

func (r *runner) runVerifyAttempt(ctx context.Context, attempt int, prefix []string, family sandbox.ShellFamily, cmds []string) *failure.StructuredError {
	relDir := filepath.Join(verificationDirName, fmt.Sprintf("attempt%d", attempt))
	dir := filepath.Join(r.runDir, relDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure.Coerce(err)
	}
	timeout := time.Duration(r.policy.Verification.TimeoutMS) * time.Millisecond

	for i, command := range cmds {
		// The operator writes POSIX shell; on a powershell-only host the
		// effective argv is rewritten and both forms are recorded.
		original := shellArgv(sandbox.ShellBash, command)
		effective := shellArgv(family, command)

		argv := make([]string, 0, len(prefix)+len(effective))
		argv = append(argv, prefix...)
		argv = append(argv, effective...)

		started := time.Now()
		stdout, stderr, exit, timedOut, runErr := runCommand(ctx, argv, r.target.Workspace, timeout)

		rec := cmdRecord{
			Command:    command,
			Argv:       argv,
			ExitCode:   exit,
			DurationMS: time.Since(started).Milliseconds(),
			TimedOut:   timedOut,
		}
		if family != sandbox.ShellBash {
			rec.OriginalArgv = original
		}
		stdoutRel, stderrRel, werr := writeCmdArtifacts(dir, relDir, i+1, rec, stdout, stderr)
		if werr != nil {
			return failure.Coerce(werr)
		}

		if runErr != nil {
			return failure.New(failure.TypeVerificationFailed,
				fmt.Sprintf("verification command %d could not be spawned: %v", i+1, runErr),
				"check that the verification shell exists in the execution backend").
				AttachOSError(runErr)
		}
		if exit != 0 {
			se := failure.New(failure.TypeVerificationFailed,
				fmt.Sprintf("verification command %d exited %d: %s", i+1, exit, command),
				"fix the failing check or drop it from --verify; its output is under verification/")
			se.WithExit(exit)
			se.Stderr = r.capturePolicy().TakeBytes(stderr).Text
			se.Artifacts = map[string]string{"stdout": stdoutRel, "stderr": stderrRel}
			se.WithDetails(map[string]any{"command": command, "attempt": attempt})
			if timedOut {
				se.WithDetails(map[string]any{"timed_out": true})
			}
			return se
		}
	}
	return nil
}

// backoffSeed keys the deterministic retry jitter so a rerun of the same
// agent/seed pair waits the same intervals.
func (r *runner) backoffSeed() string {
	return fmt.Sprintf("%s/%d", r.req.Agent, r.req.Seed)
}
