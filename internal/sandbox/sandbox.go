// Package sandbox provides the execution backends a run can use: a direct
// local backend and a container backend with content-addressed image reuse.
// Downstream code only sees the command prefix and the workspace mount.
package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Instance is a live execution backend. A started instance is always closed
// before the run directory is finalized.
type Instance interface {
	// CommandPrefix is prepended verbatim to every child argv. Empty for
	// the local backend.
	CommandPrefix() []string
	// WorkspaceMount is the workspace path as child processes see it.
	WorkspaceMount() string
	Close(ctx context.Context) error
}

// Local runs the agent as a direct child of the orchestrator.
type Local struct {
	workspace string
}

func NewLocal(workspace string) *Local { return &Local{workspace: workspace} }

func (l *Local) CommandPrefix() []string     { return nil }
func (l *Local) WorkspaceMount() string      { return l.workspace }
func (l *Local) Close(context.Context) error { return nil }

// ShellFamily names the shell the backend can host commands in.
type ShellFamily string

const (
	ShellBash       ShellFamily = "bash"
	ShellPowershell ShellFamily = "powershell"
)

// EffectiveShellFamily reports the shell available for a given backend.
// Containers always carry a POSIX shell; local execution follows the host.
func EffectiveShellFamily(containerized bool) ShellFamily {
	if containerized {
		return ShellBash
	}
	if runtime.GOOS == "windows" {
		return ShellPowershell
	}
	return ShellBash
}

// InjectEnvIntoPrefix places env overrides into a docker-exec command
// prefix as -e KEY=VALUE flags immediately before the container token, in
// sorted key order. Host-process env does not cross the docker exec
// boundary, so when injection happens the caller must NOT also set env on
// the local spawn; the second return value says whether it did.
func InjectEnvIntoPrefix(prefix []string, env map[string]string) ([]string, bool) {
	if len(env) == 0 || !isDockerExecPrefix(prefix) {
		return prefix, false
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flags := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		flags = append(flags, "-e", fmt.Sprintf("%s=%s", k, env[k]))
	}

	out := make([]string, 0, len(prefix)+len(flags))
	out = append(out, prefix[:len(prefix)-1]...)
	out = append(out, flags...)
	out = append(out, prefix[len(prefix)-1])
	return out, true
}

func isDockerExecPrefix(prefix []string) bool {
	return len(prefix) >= 3 &&
		strings.HasSuffix(prefix[0], "docker") &&
		prefix[1] == "exec"
}
