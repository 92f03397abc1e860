// Package config loads runner.yaml: the agents map (binary paths, output
// formats) and the policies map (capabilities and budgets per run).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/failure"
)

// localOverlayName is merged over the main config when present next to it.
// Operators keep machine-local binary paths and env there, out of VCS.
const localOverlayName = "runner.local.yaml"

// AgentConfig describes one external agent CLI.
type AgentConfig struct {
	Binary       string   `yaml:"binary" json:"binary"`
	OutputFormat string   `yaml:"output_format" json:"output_format"`
	Model        string   `yaml:"model,omitempty" json:"model,omitempty"`
	Args         []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// CaptureConfig bounds text excerpts persisted into events and error.json.
type CaptureConfig struct {
	MaxExcerptBytes int `yaml:"max_excerpt_bytes" json:"max_excerpt_bytes"`
	MaxLines        int `yaml:"max_lines,omitempty" json:"max_lines,omitempty"`
}

// Policy converts to the capture package's form.
func (c CaptureConfig) Policy() capture.Policy {
	return capture.Policy{MaxExcerptBytes: c.MaxExcerptBytes, MaxLines: c.MaxLines}
}

// VerificationConfig controls the post-run verification gate.
type VerificationConfig struct {
	Attempts  int                   `yaml:"attempts" json:"attempts"`
	TimeoutMS int                   `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Backoff   failure.BackoffConfig `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

// DockerConfig configures the container backend for a policy.
type DockerConfig struct {
	Context          string `yaml:"context,omitempty" json:"context,omitempty"`
	Dockerfile       string `yaml:"dockerfile,omitempty" json:"dockerfile,omitempty"`
	Rebuild          bool   `yaml:"rebuild,omitempty" json:"rebuild,omitempty"`
	WorkspaceMount   string `yaml:"workspace_mount,omitempty" json:"workspace_mount,omitempty"`
	CommandTimeoutMS int    `yaml:"command_timeout_ms,omitempty" json:"command_timeout_ms,omitempty"`
	Network          string `yaml:"network,omitempty" json:"network,omitempty"`
}

// PolicyConfig is one named capability set.
type PolicyConfig struct {
	AllowEdits     bool               `yaml:"allow_edits" json:"allow_edits"`
	Network        *bool              `yaml:"network,omitempty" json:"network,omitempty"`
	IdleTimeoutMS  int                `yaml:"idle_timeout_ms,omitempty" json:"idle_timeout_ms,omitempty"`
	RunTimeoutMS   int                `yaml:"run_timeout_ms,omitempty" json:"run_timeout_ms,omitempty"`
	Env            map[string]string  `yaml:"env,omitempty" json:"env,omitempty"`
	EnvAllowlist   []string           `yaml:"env_allowlist,omitempty" json:"env_allowlist,omitempty"`
	SetupCommands  []string           `yaml:"setup_commands,omitempty" json:"setup_commands,omitempty"`
	SetupTimeoutMS int                `yaml:"setup_timeout_ms,omitempty" json:"setup_timeout_ms,omitempty"`
	KeepWorkspace  bool               `yaml:"keep_workspace,omitempty" json:"keep_workspace,omitempty"`
	Capture        CaptureConfig      `yaml:"capture,omitempty" json:"capture,omitempty"`
	Verification   VerificationConfig `yaml:"verification,omitempty" json:"verification,omitempty"`
	Docker         DockerConfig       `yaml:"docker,omitempty" json:"docker,omitempty"`
	IgnoreGlobs    []string           `yaml:"ignore_globs,omitempty" json:"ignore_globs,omitempty"`
}

// NetworkEnabled resolves the tri-state network flag (default on).
func (p PolicyConfig) NetworkEnabled() bool {
	return p.Network == nil || *p.Network
}

// Config is the process-wide runner configuration.
type Config struct {
	Version     int                     `yaml:"version" json:"version"`
	RunsRoot    string                  `yaml:"runs_root,omitempty" json:"runs_root,omitempty"`
	CatalogRoot string                  `yaml:"catalog_root,omitempty" json:"catalog_root,omitempty"`
	Agents      map[string]AgentConfig  `yaml:"agents,omitempty" json:"agents,omitempty"`
	Policies    map[string]PolicyConfig `yaml:"policies,omitempty" json:"policies,omitempty"`
}

// Default returns the built-in configuration used when no runner.yaml
// exists: the three known agents and a conservative default policy.
func Default() *Config {
	cfg := &Config{Version: 1}
	applyDefaults(cfg)
	return cfg
}

// Load reads runner.yaml, merges runner.local.yaml over it when present,
// applies defaults, and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configError(path, err, "pass --config or create runner.yaml; run without --config to use built-in defaults")
	}
	var cfg Config
	if err := decodeYAMLStrict(raw, &cfg); err != nil {
		return nil, configError(path, err, "fix the YAML in runner.yaml; unknown keys are rejected")
	}

	localPath := filepath.Join(filepath.Dir(path), localOverlayName)
	if localRaw, lerr := os.ReadFile(localPath); lerr == nil {
		var local Config
		if err := decodeYAMLStrict(localRaw, &local); err != nil {
			return nil, configError(localPath, err, "fix the YAML in runner.local.yaml")
		}
		if err := mergo.Merge(&cfg, local, mergo.WithOverride); err != nil {
			return nil, configError(localPath, err, "the local overlay could not be merged; simplify its structure")
		}
	} else if !errors.Is(lerr, fs.ErrNotExist) {
		return nil, configError(localPath, lerr, "check runner.local.yaml permissions")
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configError(path string, err error, hint string) *failure.StructuredError {
	se := failure.New("invalid_run_spec", fmt.Sprintf("config %s: %v", path, err), hint)
	se.WithDetails(map[string]any{"path": path})
	return se.AttachOSError(err)
}

func decodeYAMLStrict(b []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.RunsRoot == "" {
		cfg.RunsRoot = "runs"
	}
	if cfg.CatalogRoot == "" {
		cfg.CatalogRoot = "catalog"
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}
	for name, ag := range map[string]AgentConfig{
		"codex":  {Binary: "codex", OutputFormat: "codex_jsonl"},
		"claude": {Binary: "claude", OutputFormat: "claude_stream_json"},
		"gemini": {Binary: "gemini", OutputFormat: "gemini_stream_json"},
	} {
		got, ok := cfg.Agents[name]
		if !ok {
			cfg.Agents[name] = ag
			continue
		}
		if got.Binary == "" {
			got.Binary = ag.Binary
		}
		if got.OutputFormat == "" {
			got.OutputFormat = ag.OutputFormat
		}
		cfg.Agents[name] = got
	}
	if cfg.Policies == nil {
		cfg.Policies = map[string]PolicyConfig{}
	}
	if _, ok := cfg.Policies["default"]; !ok {
		cfg.Policies["default"] = PolicyConfig{}
	}
	for name, pol := range cfg.Policies {
		if pol.Capture.MaxExcerptBytes == 0 {
			pol.Capture.MaxExcerptBytes = capture.DefaultPolicy().MaxExcerptBytes
		}
		if pol.Verification.Attempts == 0 {
			pol.Verification.Attempts = 1
		}
		if pol.SetupTimeoutMS == 0 {
			pol.SetupTimeoutMS = 300_000
		}
		if pol.Docker.Dockerfile == "" {
			pol.Docker.Dockerfile = "Dockerfile"
		}
		if pol.Docker.WorkspaceMount == "" {
			pol.Docker.WorkspaceMount = "/workspace"
		}
		pol.SetupCommands = trimNonEmpty(pol.SetupCommands)
		pol.IgnoreGlobs = trimNonEmpty(pol.IgnoreGlobs)
		pol.EnvAllowlist = trimNonEmpty(pol.EnvAllowlist)
		cfg.Policies[name] = pol
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return failure.New("invalid_run_spec",
			fmt.Sprintf("unsupported config version %d", cfg.Version),
			"set version: 1 in runner.yaml")
	}
	for name, ag := range cfg.Agents {
		if strings.TrimSpace(ag.Binary) == "" {
			return failure.New("invalid_run_spec",
				fmt.Sprintf("agents.%s.binary is empty", name),
				fmt.Sprintf("set agents.%s.binary to the CLI executable name or path", name))
		}
	}
	for name, pol := range cfg.Policies {
		if pol.IdleTimeoutMS < 0 || pol.RunTimeoutMS < 0 || pol.SetupTimeoutMS < 0 {
			return failure.New("invalid_run_spec",
				fmt.Sprintf("policies.%s has a negative timeout", name),
				"timeouts are in milliseconds and must be >= 0")
		}
		if pol.Capture.MaxExcerptBytes < 0 || pol.Capture.MaxLines < 0 {
			return failure.New("invalid_run_spec",
				fmt.Sprintf("policies.%s.capture budgets must be >= 0", name),
				"set capture.max_excerpt_bytes to a positive byte count")
		}
		if pol.Verification.Attempts < 1 {
			return failure.New("invalid_run_spec",
				fmt.Sprintf("policies.%s.verification.attempts must be >= 1", name),
				"set verification.attempts to at least 1")
		}
	}
	return nil
}

// Agent resolves an agent by name.
func (c *Config) Agent(name string) (AgentConfig, error) {
	ag, ok := c.Agents[name]
	if !ok {
		return AgentConfig{}, failure.New("invalid_run_spec",
			fmt.Sprintf("unknown agent %q", name),
			fmt.Sprintf("pick one of: %s", strings.Join(c.AgentNames(), ", ")))
	}
	return ag, nil
}

// Policy resolves a policy by name.
func (c *Config) Policy(name string) (PolicyConfig, error) {
	pol, ok := c.Policies[name]
	if !ok {
		names := make([]string, 0, len(c.Policies))
		for n := range c.Policies {
			names = append(names, n)
		}
		sort.Strings(names)
		return PolicyConfig{}, failure.New("invalid_run_spec",
			fmt.Sprintf("unknown policy %q", name),
			fmt.Sprintf("pick one of: %s, or add it under policies in runner.yaml", strings.Join(names, ", ")))
	}
	return pol, nil
}

// AgentNames returns the configured agent names, sorted.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for n := range c.Agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
