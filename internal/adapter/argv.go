package adapter

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/vsavkov/sortie/internal/config"
	"github.com/vsavkov/sortie/internal/sandbox"
)

// argvBuilder produces the agent-local argv, without any backend prefix.
// Prompts always travel via stdin, so argv never embeds prompt text.
type argvBuilder func(ag config.AgentConfig, opts Options) []string

var builders = map[string]argvBuilder{
	"codex":  codexArgv,
	"claude": claudeArgv,
	"gemini": geminiArgv,
}

func codexArgv(ag config.AgentConfig, opts Options) []string {
	mode := "read-only"
	if opts.AllowEdits {
		mode = "workspace-write"
	}
	args := []string{"exec", "--json", "--sandbox", mode, "-C", opts.WorkspaceMount}
	if ag.Model != "" {
		args = append(args, "-m", ag.Model)
	}
	args = append(args, ag.Args...)
	// "-" makes codex read the prompt from stdin.
	return append(args, "-")
}

func claudeArgv(ag config.AgentConfig, opts Options) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if ag.Model != "" {
		args = append(args, "--model", ag.Model)
	}
	if opts.AllowEdits {
		args = append(args, "--permission-mode", "acceptEdits")
	}
	return append(args, ag.Args...)
}

func geminiArgv(ag config.AgentConfig, opts Options) []string {
	args := []string{"--output-format", "stream-json", "--yolo"}
	if ag.Model != "" {
		args = append(args, "--model", ag.Model)
	}
	return append(args, ag.Args...)
}

// Invocation is the fully-resolved spawn plan for one agent run. Built
// before anything spawns so it can be persisted and asserted on.
type Invocation struct {
	Agent          string   `json:"agent"`
	Binary         string   `json:"binary"`
	ResolvedBinary string   `json:"resolved_binary"`
	Argv           []string `json:"argv"`
	EnvMode        string   `json:"env_mode"`
	EnvKeys        []string `json:"env_keys,omitempty"`
	PromptMode     string   `json:"prompt_mode"`
	PromptBytes    int      `json:"prompt_bytes"`

	childEnv []string // nil means inherit the parent environment untouched
}

const (
	envModeInherit     = "inherit"
	envModeMergedLocal = "merged_local"
	envModeDockerFlags = "docker_exec_flags"
)

// BuildInvocation resolves the binary and assembles the full argv including
// the backend prefix. Env overrides either become -e flags inside a docker
// exec prefix or merge into the local child environment, never both.
func BuildInvocation(agentName string, ag config.AgentConfig, opts Options, environ []string) (*Invocation, error) {
	build, ok := builders[agentName]
	if !ok {
		return nil, fmt.Errorf("no adapter for agent %q", agentName)
	}

	inv := &Invocation{
		Agent:       agentName,
		Binary:      ag.Binary,
		PromptMode:  "stdin",
		PromptBytes: len(opts.Prompt),
		EnvMode:     envModeInherit,
	}

	// Resolve through the host PATH only for local execution; inside a
	// container the binary resolves against the image's own PATH.
	resolved := ag.Binary
	if len(opts.CommandPrefix) == 0 && !strings.ContainsRune(ag.Binary, '/') {
		if p, err := exec.LookPath(ag.Binary); err == nil {
			resolved = p
		}
		// A miss is not fatal here: spawn surfaces the real error and
		// classification turns it into a launch failure with install hint.
	}
	inv.ResolvedBinary = resolved

	prefix := opts.CommandPrefix
	env := opts.Env
	if len(env) > 0 {
		inv.EnvKeys = sortedEnvKeys(env)
		if injected, ok := sandbox.InjectEnvIntoPrefix(prefix, env); ok {
			prefix = injected
			inv.EnvMode = envModeDockerFlags
		} else {
			inv.EnvMode = envModeMergedLocal
			inv.childEnv = mergeEnviron(environ, env)
		}
	}

	local := build(ag, opts)
	argv := make([]string, 0, len(prefix)+1+len(local))
	argv = append(argv, prefix...)
	argv = append(argv, resolved)
	argv = append(argv, local...)
	inv.Argv = argv
	return inv, nil
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mergeEnviron(environ []string, overrides map[string]string) []string {
	out := make([]string, 0, len(environ)+len(overrides))
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if _, shadowed := overrides[key]; shadowed {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range sortedEnvKeys(overrides) {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
