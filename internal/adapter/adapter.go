// Package adapter drives the external agent CLIs. Each run spawns one
// child process, feeds it the prompt on stdin, and captures its stdout as
// raw-event JSONL with a timestamp sidecar, its stderr verbatim, and its
// exit state. Early-termination watchers abort runs that would otherwise
// hang waiting for a human.
package adapter

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/config"
	"github.com/vsavkov/sortie/internal/events"
	"github.com/vsavkov/sortie/internal/failure"
	"github.com/vsavkov/sortie/internal/procutil"
)

// Artifact file names the adapter owns inside the run directory.
const (
	RawEventsName   = "raw_events.jsonl"
	RawTSName       = "raw_events.ts.jsonl"
	LastMessageName = "agent_last_message.txt"
	StderrName      = "agent_stderr.txt"
	InvocationName  = "invocation.json"
)

// Abort reasons recorded when a watcher kills the child.
const (
	AbortApplyPatchApproval = "apply_patch_approval_request"
	AbortRefreshTokenReused = "refresh_token_reused"
	AbortIdleTimeout        = "idle_timeout"
	AbortCancelled          = "cancelled"
)

// applyPatchApprovalTag is the codex raw-event marker meaning the CLI is
// waiting for interactive approval. Non-interactive runs must abort instead
// of deadlocking.
const applyPatchApprovalTag = "apply_patch_approval_request"

// Options configures one agent invocation.
type Options struct {
	Workspace      string
	WorkspaceMount string
	Prompt         string
	RunDir         string
	CommandPrefix  []string
	Env            map[string]string
	AllowEdits     bool
	IdleTimeout    time.Duration
	KillGrace      time.Duration
	Clock          events.Clock
	Logger         *slog.Logger
}

// Result is the adapter's output contract.
type Result struct {
	Invocation      *Invocation `json:"invocation"`
	ExitCode        int         `json:"exit_code"`
	DurationMS      int64       `json:"duration_ms"`
	StartedAt       string      `json:"started_at"`
	FinishedAt      string      `json:"finished_at"`
	RawEventsPath   string      `json:"raw_events_path"`
	RawTSPath       string      `json:"raw_events_ts_path"`
	LastMessagePath string      `json:"last_message_path"`
	StderrPath      string      `json:"stderr_path"`
	AbortReason     string      `json:"abort_reason,omitempty"`
}

type tsEntry struct {
	Line int    `json:"line"`
	TS   string `json:"ts"`
}

// abortState records the first watcher that fired.
type abortState struct {
	mu     sync.Mutex
	reason string
}

func (a *abortState) set(reason string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reason != "" {
		return false
	}
	a.reason = reason
	return true
}

func (a *abortState) get() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

const (
	watchdogInterval = 250 * time.Millisecond
	defaultKillGrace = 5 * time.Second
	scanBufInitial   = 256 * 1024
	scanBufMax       = 8 * 1024 * 1024
)

// Run spawns the agent and blocks until it exits or a watcher kills it.
// The returned error is non-nil only for spawn-level failures (binary
// missing, pipe setup); agent-level failures surface through ExitCode,
// stderr, and AbortReason.
func Run(ctx context.Context, agentName string, ag config.AgentConfig, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	killGrace := opts.KillGrace
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}

	inv, err := BuildInvocation(agentName, ag, opts, os.Environ())
	if err != nil {
		return nil, err
	}

	res := &Result{
		Invocation:      inv,
		ExitCode:        -1,
		RawEventsPath:   filepath.Join(opts.RunDir, RawEventsName),
		RawTSPath:       filepath.Join(opts.RunDir, RawTSName),
		LastMessagePath: filepath.Join(opts.RunDir, LastMessageName),
		StderrPath:      filepath.Join(opts.RunDir, StderrName),
	}

	rawWriter, err := events.NewWriter(res.RawEventsPath)
	if err != nil {
		return res, err
	}
	defer rawWriter.Close()
	tsWriter, err := events.NewWriter(res.RawTSPath)
	if err != nil {
		return res, err
	}
	defer tsWriter.Close()
	stderrFile, err := os.Create(res.StderrPath)
	if err != nil {
		return res, err
	}
	defer stderrFile.Close()
	// The last-message file exists even when normalization never finds a
	// final message.
	if err := os.WriteFile(res.LastMessagePath, nil, 0o644); err != nil {
		return res, err
	}

	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = opts.Workspace
	cmd.Stdin = strings.NewReader(opts.Prompt)
	cmd.Env = inv.childEnv
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return res, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return res, err
	}

	started := time.Now()
	res.StartedAt = events.FormatTime(clock())
	if err := cmd.Start(); err != nil {
		return res, err
	}
	log.Info("agent started", "agent", agentName, "pid", cmd.Process.Pid)

	var lastActivity atomic.Int64
	lastActivity.Store(started.UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	abort := &abortState{}
	kill := func(reason string) {
		if !abort.set(reason) {
			return
		}
		log.Warn("terminating agent", "agent", agentName, "reason", reason)
		killEscalate(cmd, killGrace)
	}

	var g errgroup.Group
	g.Go(func() error {
		return pumpStdout(stdout, rawWriter, tsWriter, clock, touch, func(line string) {
			if agentName == "codex" && strings.Contains(line, applyPatchApprovalTag) {
				kill(AbortApplyPatchApproval)
			}
		})
	})
	g.Go(func() error {
		return pumpStderr(stderr, stderrFile, touch, func(line string) {
			if strings.Contains(strings.ToLower(line), failure.RefreshTokenReusedPhrase) {
				kill(AbortRefreshTokenReused)
			}
		})
	})

	watchdogDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-ctx.Done():
				kill(AbortCancelled)
				return
			case <-ticker.C:
				if opts.IdleTimeout <= 0 {
					continue
				}
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle > opts.IdleTimeout {
					kill(AbortIdleTimeout)
					return
				}
			}
		}
	}()

	pumpErr := g.Wait()
	waitErr := cmd.Wait()
	close(watchdogDone)

	res.DurationMS = time.Since(started).Milliseconds()
	res.FinishedAt = events.FormatTime(clock())
	res.AbortReason = abort.get()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if flushErr := rawWriter.Flush(); flushErr != nil && pumpErr == nil {
		pumpErr = flushErr
	}
	if flushErr := tsWriter.Flush(); flushErr != nil && pumpErr == nil {
		pumpErr = flushErr
	}

	log.Info("agent exited",
		"agent", agentName, "exit_code", res.ExitCode,
		"duration_ms", res.DurationMS, "abort", res.AbortReason)

	// A kill-induced wait error is expected; the abort reason carries the
	// real story. Pipe errors win over the generic "signal: killed".
	if pumpErr != nil {
		return res, pumpErr
	}
	if waitErr != nil && res.AbortReason == "" {
		var exitErr *exec.ExitError
		if !errorsAsExit(waitErr, &exitErr) {
			return res, waitErr
		}
	}
	return res, nil
}

func errorsAsExit(err error, target **exec.ExitError) bool {
	for err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// pumpStdout appends every child stdout line to the raw-events file and
// stamps non-empty lines in the ts sidecar, keyed by 1-based line number.
func pumpStdout(r io.Reader, raw, ts *events.Writer, clock events.Clock, touch func(), watch func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, scanBufInitial), scanBufMax)
	lineNo := 0
	for sc.Scan() {
		line := sc.Text()
		lineNo++
		touch()
		if err := raw.AppendRawLine([]byte(line)); err != nil {
			return err
		}
		if strings.TrimSpace(line) != "" {
			if err := ts.AppendValue(tsEntry{Line: lineNo, TS: events.FormatTime(clock())}); err != nil {
				return err
			}
			watch(line)
		}
	}
	return sc.Err()
}

// pumpStderr tees stderr into its artifact file byte-for-byte while
// scanning a copy for watcher phrases.
func pumpStderr(r io.Reader, f *os.File, touch func(), watch func(string)) error {
	tee := io.TeeReader(r, f)
	sc := bufio.NewScanner(tee)
	sc.Buffer(make([]byte, scanBufInitial), scanBufMax)
	for sc.Scan() {
		touch()
		watch(sc.Text())
	}
	return sc.Err()
}

// killEscalate signals the child's process group: SIGTERM, a grace window,
// then SIGKILL, confirming the group leader is gone.
func killEscalate(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	signalGroup(pid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !procutil.PIDAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	signalGroup(pid, syscall.SIGKILL)

	confirm := time.Now().Add(2 * time.Second)
	for time.Now().Before(confirm) {
		if !procutil.PIDAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func signalGroup(pid int, sig syscall.Signal) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		if err != syscall.ESRCH {
			syscall.Kill(pid, sig)
		}
		return
	}
	syscall.Kill(-pgid, sig)
}

// WriteInvocationArtifact persists invocation.json so a run is replayable
// from its artifacts alone.
func WriteInvocationArtifact(runDir string, res *Result) error {
	payload := map[string]any{
		"agent":           res.Invocation.Agent,
		"binary":          res.Invocation.Binary,
		"resolved_binary": res.Invocation.ResolvedBinary,
		"argv":            res.Invocation.Argv,
		"env_mode":        res.Invocation.EnvMode,
		"env_keys":        res.Invocation.EnvKeys,
		"prompt_mode":     res.Invocation.PromptMode,
		"prompt_bytes":    res.Invocation.PromptBytes,
		"exit_code":       res.ExitCode,
		"duration_ms":     res.DurationMS,
		"started_at":      res.StartedAt,
		"finished_at":     res.FinishedAt,
	}
	if res.AbortReason != "" {
		payload["abort_reason"] = res.AbortReason
	}
	return capture.WriteJSONAtomic(filepath.Join(runDir, InvocationName), payload)
}
