package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/vsavkov/sortie/internal/adapter"
	"github.com/vsavkov/sortie/internal/failure"
)

// classifyAgentExit inspects the finished invocation and decides whether the
// run may proceed to report extraction. Benign stderr chatter becomes
// warnings; anything else is classified into the failure taxonomy with the
// stderr excerpt and artifact pointers attached.
func (r *runner) classifyAgentExit() *failure.StructuredError {
	res := r.adapterRes
	if res == nil {
		return nil
	}

	stderrText := r.readAgentStderr()
	sum := failure.SummarizeStderr(stderrText)
	for _, w := range sum.Warnings {
		r.warn("agent stderr: " + w)
	}

	if res.ExitCode == 0 && res.AbortReason == "" {
		return nil
	}

	if strings.TrimSpace(stderrText) == "" {
		stderrText = r.synthesizeStderr(res)
	}

	var se *failure.StructuredError
	switch res.AbortReason {
	case adapter.AbortApplyPatchApproval:
		se = failure.New(failure.TypeApplyPatchApproval,
			fmt.Sprintf("agent %q requested patch approval in a non-interactive run and was stopped", r.req.Agent),
			"run with a policy that sets allow_edits: true so the agent can apply patches unattended")
	case adapter.AbortRefreshTokenReused:
		se = failure.New(failure.TypeAgentQuotaExceeded,
			fmt.Sprintf("agent %q aborted: provider refresh token was reused by another session", r.req.Agent),
			fmt.Sprintf("re-authenticate the %s CLI and avoid sharing its credential store across concurrent runners", r.req.Agent))
		se.Subtype = failure.SubtypeQuotaRefreshTokenReused
	case adapter.AbortIdleTimeout:
		se = failure.New(failure.TypeAgentExecFailed,
			fmt.Sprintf("agent %q produced no events for %d ms and was killed", r.req.Agent, r.policy.IdleTimeoutMS),
			"raise idle_timeout_ms in the policy, or check whether the agent stalled waiting for input")
		se.Subtype = failure.SubtypeIdleTimeout
	case adapter.AbortCancelled:
		if r.runTimedOut {
			se = failure.New(failure.TypeAgentExecFailed,
				fmt.Sprintf("agent %q exceeded the run timeout of %d ms", r.req.Agent, r.policy.RunTimeoutMS),
				"raise run_timeout_ms in the policy, or pick a smaller mission")
			se.Subtype = failure.SubtypeRunTimeout
		} else {
			se = failure.New(failure.TypeCancelled,
				fmt.Sprintf("agent %q was interrupted before finishing", r.req.Agent),
				"rerun when ready; partial artifacts remain in the run directory")
		}
	default:
		se = failure.ClassifyAgentFailure(r.req.Agent, r.agent.Binary, res.ExitCode,
			sum.Residual, r.lastMessage, r.adapterErr)
	}

	if se.ExitCode == nil {
		se.WithExit(res.ExitCode)
	}
	se.Stderr = r.capturePolicy().Take(stderrText).Text
	se.StderrSynthesized = r.stderrSynth
	if se.Artifacts == nil {
		se.Artifacts = map[string]string{}
	}
	se.Artifacts["agent_stderr"] = adapter.StderrName
	se.Artifacts["raw_events"] = adapter.RawEventsName
	return se
}

func (r *runner) readAgentStderr() string {
	if r.adapterRes == nil || r.adapterRes.StderrPath == "" {
		return ""
	}
	data, err := os.ReadFile(r.adapterRes.StderrPath)
	if err != nil {
		r.warn("could not read agent stderr: " + err.Error())
		return ""
	}
	return string(data)
}

// synthesizeStderr fills agent_stderr.txt when a failing agent wrote
// nothing, so every failed run has a non-empty stderr artifact. The marker
// prefix keeps synthetic content distinguishable from real output.
func (r *runner) synthesizeStderr(res *adapter.Result) string {
	text := fmt.Sprintf("[synthetic_stderr] agent %q exited with code %d and wrote nothing to stderr",
		r.req.Agent, res.ExitCode)
	if res.AbortReason != "" {
		text += "; abort_reason=" + res.AbortReason
	}
	text += "\n"
	if res.StderrPath != "" {
		if err := os.WriteFile(res.StderrPath, []byte(text), 0o644); err != nil {
			r.warn("could not synthesize agent stderr: " + err.Error())
		}
	}
	r.stderrSynth = true
	return text
}
