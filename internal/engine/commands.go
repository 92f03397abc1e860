package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/failure"
	"github.com/vsavkov/sortie/internal/sandbox"
)

// cmdRecord is the per-command JSON artifact written next to the captured
// stdout/stderr of setup and verification commands.
type cmdRecord struct {
	Command      string   `json:"command"`
	Argv         []string `json:"argv"`
	OriginalArgv []string `json:"original_argv,omitempty"`
	ExitCode     int      `json:"exit_code"`
	DurationMS   int64    `json:"duration_ms"`
	TimedOut     bool     `json:"timed_out,omitempty"`
}

// shellArgv wraps an operator shell command for the backend's shell family.
func shellArgv(family sandbox.ShellFamily, command string) []string {
	if family == sandbox.ShellPowershell {
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command", command}
	}
	return []string{"bash", "-lc", command}
}

// runCommand executes argv with cwd dir, capturing both output streams.
// Exit code -1 means the process never ran (spawn failure); err is non-nil
// only in that case.
func runCommand(ctx context.Context, argv []string, dir string, timeout time.Duration) (stdout, stderr []byte, exitCode int, timedOut bool, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	exitCode = 0
	if runErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			runErr = nil
		}
	}
	return outBuf.Bytes(), errBuf.Bytes(), exitCode, timedOut, runErr
}

// runSetup executes the policy's setup commands sequentially through the
// backend's command prefix, fail-fast, with artifacts under setup/.
func (r *runner) runSetup(ctx context.Context) *failure.StructuredError {
	if len(r.policy.SetupCommands) == 0 {
		return nil
	}
	dir := filepath.Join(r.runDir, setupDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure.Coerce(err)
	}

	prefix := r.inst.CommandPrefix()
	family := sandbox.EffectiveShellFamily(len(prefix) > 0)
	timeout := time.Duration(r.policy.SetupTimeoutMS) * time.Millisecond

	for i, command := range r.policy.SetupCommands {
		local := shellArgv(family, command)
		argv := make([]string, 0, len(prefix)+len(local))
		argv = append(argv, prefix...)
		argv = append(argv, local...)

		r.log.Info("setup command", "index", i+1, "command", command)
		started := time.Now()
		stdout, stderr, exit, timedOut, runErr := runCommand(ctx, argv, r.target.Workspace, timeout)

		rec := cmdRecord{
			Command:    command,
			Argv:       argv,
			ExitCode:   exit,
			DurationMS: time.Since(started).Milliseconds(),
			TimedOut:   timedOut,
		}
		stdoutRel, stderrRel, werr := writeCmdArtifacts(dir, setupDirName, i+1, rec, stdout, stderr)
		if werr != nil {
			return failure.Coerce(werr)
		}

		if runErr != nil {
			return failure.New(failure.TypeSetupCommandFailed,
				fmt.Sprintf("setup command %d could not be spawned: %v", i+1, runErr),
				"check that the command's shell and binaries exist in the execution backend").
				AttachOSError(runErr)
		}
		if exit != 0 {
			se := failure.New(failure.TypeSetupCommandFailed,
				fmt.Sprintf("setup command %d exited %d: %s", i+1, exit, command),
				"fix the failing setup command in the policy, or drop it; its output is under setup/")
			se.WithExit(exit)
			se.Stderr = r.capturePolicy().TakeBytes(stderr).Text
			se.Artifacts = map[string]string{"stdout": stdoutRel, "stderr": stderrRel}
			if timedOut {
				se.WithDetails(map[string]any{"timed_out": true, "timeout_ms": r.policy.SetupTimeoutMS})
			}
			return se
		}
	}
	return nil
}

// writeCmdArtifacts persists cmd_NN.{json,stdout.txt,stderr.txt} under dir.
// relDir is dir's run-dir-relative form; the returned relative stdout/stderr
// paths go into error artifacts.
func writeCmdArtifacts(dir, relDir string, n int, rec cmdRecord, stdout, stderr []byte) (stdoutRel, stderrRel string, err error) {
	base := fmt.Sprintf("cmd_%02d", n)
	if err := capture.WriteJSONAtomic(filepath.Join(dir, base+".json"), rec); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(dir, base+".stdout.txt"), stdout, 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(dir, base+".stderr.txt"), stderr, 0o644); err != nil {
		return "", "", err
	}
	return filepath.Join(relDir, base+".stdout.txt"),
		filepath.Join(relDir, base+".stderr.txt"), nil
}
