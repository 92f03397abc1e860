package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/failure"
)

// CommandRunner executes one subprocess and returns its output. The docker
// lifecycle goes through this seam so tests can script the daemon.
type CommandRunner func(ctx context.Context, argv []string) (stdout, stderr []byte, exitCode int, err error)

// ExecRunner is the real CommandRunner.
func ExecRunner(ctx context.Context, argv []string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return outBuf.Bytes(), errBuf.Bytes(), exitCode, err
}

// DockerOptions configures the container backend for one run.
type DockerOptions struct {
	ContextDir       string
	Dockerfile       string
	Rebuild          bool
	Workspace        string
	WorkspaceMount   string
	EnvAllowlist     []string
	Network          string
	CommandTimeoutMS int
	RunDir           string
	InstallBase      InstallManifest
	Logger           *slog.Logger
}

// Docker is a live container-backed Instance.
type Docker struct {
	name      string
	tag       string
	mount     string
	runDir    string
	allowlist []string
	runner    CommandRunner
	log       *slog.Logger
	timeoutMS int

	mu     sync.Mutex
	closed bool
}

type sandboxMeta struct {
	ContainerName  string   `json:"container_name"`
	ImageTag       string   `json:"image_tag"`
	WorkspaceMount string   `json:"workspace_mount"`
	EnvAllowlist   []string `json:"env_allowlist,omitempty"`
}

// StartDocker checks the daemon, builds (or reuses) the image, and starts a
// long-lived container with the workspace bind-mounted.
func StartDocker(ctx context.Context, opts DockerOptions, runner CommandRunner) (*Docker, error) {
	if runner == nil {
		runner = ExecRunner
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Docker{
		mount:     opts.WorkspaceMount,
		runDir:    opts.RunDir,
		allowlist: opts.EnvAllowlist,
		runner:    runner,
		log:       log,
		timeoutMS: opts.CommandTimeoutMS,
	}

	if _, stderr, code, err := d.docker(ctx, "version", "--format", "{{.Server.Version}}"); err != nil || code != 0 {
		return nil, failure.New(failure.TypeDockerUnavailable,
			fmt.Sprintf("docker daemon not reachable: %s", firstLineOrErr(stderr, err)),
			"start the docker daemon or rerun with --exec-backend local")
	}

	sandboxDir := filepath.Join(opts.RunDir, "sandbox")
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return nil, failure.Coerce(err)
	}

	buildCtx, dockerfile, err := d.materializeContext(opts, sandboxDir)
	if err != nil {
		return nil, err
	}

	digest, err := ContextDigest(buildCtx, nil)
	if err != nil {
		return nil, failure.New(failure.TypeImageBuildFailed,
			fmt.Sprintf("hashing build context: %v", err),
			"check that the docker context directory is readable").AttachOSError(err)
	}
	d.tag = ImageTag(digest)

	if err := d.ensureImage(ctx, opts.Rebuild, buildCtx, dockerfile, sandboxDir); err != nil {
		return nil, err
	}

	if err := d.startContainer(ctx, opts); err != nil {
		return nil, err
	}

	meta := sandboxMeta{
		ContainerName:  d.name,
		ImageTag:       d.tag,
		WorkspaceMount: d.mount,
		EnvAllowlist:   d.allowlist,
	}
	if err := capture.WriteJSONAtomic(filepath.Join(sandboxDir, "sandbox.json"), meta); err != nil {
		d.Close(ctx)
		return nil, failure.Coerce(err)
	}
	log.Info("sandbox started", "container", d.name, "image", d.tag)
	return d, nil
}

// materializeContext prepares the effective build context. When the target
// demands a python base or extra packages, the source context is copied
// under the run directory and adjusted there; the source is never mutated.
func (d *Docker) materializeContext(opts DockerOptions, sandboxDir string) (buildCtx, dockerfile string, err error) {
	buildCtx = opts.ContextDir
	dockerfile = filepath.Join(buildCtx, opts.Dockerfile)

	raw, rerr := os.ReadFile(dockerfile)
	if rerr != nil {
		return "", "", failure.New(failure.TypeImageBuildFailed,
			fmt.Sprintf("reading %s: %v", dockerfile, rerr),
			"point --exec-docker-context at a directory containing a Dockerfile").AttachOSError(rerr)
	}

	requires := ReadRequiresPython(opts.Workspace)
	manifest, merr := LoadInstallManifest(opts.Workspace)
	if merr != nil {
		return "", "", failure.Coerce(merr)
	}
	merged, merr := MergeInstallManifests(opts.InstallBase, manifest)
	if merr != nil {
		return "", "", failure.Coerce(merr)
	}

	if requires == "" && merged.empty() {
		return buildCtx, dockerfile, nil
	}

	overlay := filepath.Join(sandboxDir, "image_context")
	if err := copyDir(opts.ContextDir, overlay); err != nil {
		return "", "", failure.New(failure.TypeImageBuildFailed,
			fmt.Sprintf("copying build context: %v", err),
			"check disk space under the run directory").AttachOSError(err)
	}

	content := string(raw)
	if requires != "" {
		chosen, candidates := ChoosePythonBase(requires)
		var rewritten bool
		content, rewritten = RewriteFromLine(content, chosen)
		sel := PythonSelection{
			RequiresPython: requires,
			Candidates:     candidates,
			Chosen:         chosen,
			FromRewritten:  rewritten,
		}
		if err := capture.WriteJSONAtomic(filepath.Join(sandboxDir, "python_selection.json"), sel); err != nil {
			return "", "", failure.Coerce(err)
		}
		d.log.Info("python base selected", "requires", requires, "image", chosen)
	}
	if !merged.empty() {
		content = strings.TrimRight(content, "\n") + "\n" + strings.Join(merged.DockerfileLines(), "\n") + "\n"
		if err := capture.WriteJSONAtomic(filepath.Join(sandboxDir, "sandbox_cli_install.json"), merged); err != nil {
			return "", "", failure.Coerce(err)
		}
	}

	dockerfile = filepath.Join(overlay, opts.Dockerfile)
	if err := os.WriteFile(dockerfile, []byte(content), 0o644); err != nil {
		return "", "", failure.Coerce(err)
	}
	return overlay, dockerfile, nil
}

func (d *Docker) ensureImage(ctx context.Context, rebuild bool, buildCtx, dockerfile, sandboxDir string) error {
	if !rebuild {
		if _, _, code, err := d.docker(ctx, "image", "inspect", d.tag); err == nil && code == 0 {
			d.log.Info("image cache hit", "image", d.tag)
			return nil
		}
	}

	stdout, stderr, code, err := d.docker(ctx, "build", "-t", d.tag, "-f", dockerfile, buildCtx)
	logPath := filepath.Join(sandboxDir, "docker_build.log")
	var buildLog bytes.Buffer
	buildLog.Write(stdout)
	if len(stderr) > 0 {
		buildLog.WriteString("\n--- stderr ---\n")
		buildLog.Write(stderr)
	}
	if werr := os.WriteFile(logPath, buildLog.Bytes(), 0o644); werr != nil {
		d.log.Warn("could not persist build log", "error", werr)
	}
	if err != nil || code != 0 {
		excerpt := capture.DefaultPolicy().Take(string(stderr))
		se := failure.New(failure.TypeImageBuildFailed,
			fmt.Sprintf("docker build exited %d", code),
			"read sandbox/docker_build.log; the failing instruction is near the end")
		se.Stderr = excerpt.Text
		se.Artifacts = map[string]string{"docker_build.log": "sandbox/docker_build.log"}
		return se.WithExit(code)
	}
	return nil
}

func (d *Docker) startContainer(ctx context.Context, opts DockerOptions) error {
	d.name = "sortie-" + strings.ToLower(ulid.Make().String())
	wsAbs, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return failure.Coerce(err)
	}
	argv := []string{
		"run", "-d", "--name", d.name,
		"-v", wsAbs + ":" + d.mount,
		"-w", d.mount,
	}
	if opts.Network == "none" {
		argv = append(argv, "--network", "none")
	}
	argv = append(argv, d.tag, "sleep", "infinity")

	_, stderr, code, rerr := d.docker(ctx, argv...)
	if rerr != nil || code != 0 {
		return failure.New(failure.TypeContainerStartFailed,
			fmt.Sprintf("docker run exited %d: %s", code, firstLineOrErr(stderr, rerr)),
			"check the image entrypoint and that no container with the same name is stuck; `docker ps -a` shows leftovers").WithExit(code)
	}
	return nil
}

func (d *Docker) CommandPrefix() []string {
	return []string{"docker", "exec", "-i", "-w", d.mount, d.name}
}

func (d *Docker) WorkspaceMount() string { return d.mount }

// Close removes the container. Idempotent; safe after partial start.
func (d *Docker) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.name == "" {
		d.closed = true
		return nil
	}
	d.closed = true
	_, stderr, code, err := d.docker(ctx, "rm", "-f", d.name)
	if err != nil || code != 0 {
		d.log.Warn("container teardown failed", "container", d.name, "detail", firstLineOrErr(stderr, err))
		return fmt.Errorf("removing container %s: %s", d.name, firstLineOrErr(stderr, err))
	}
	d.log.Info("sandbox closed", "container", d.name)
	return nil
}

// CaptureDiagnostics archives container logs, a redacted inspect document,
// and a DNS probe under sandbox/. Called on failure paths only.
func (d *Docker) CaptureDiagnostics(ctx context.Context) {
	sandboxDir := filepath.Join(d.runDir, "sandbox")
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return
	}

	if stdout, stderr, _, err := d.docker(ctx, "logs", d.name); err == nil {
		var buf bytes.Buffer
		buf.Write(stdout)
		if len(stderr) > 0 {
			buf.WriteString("\n--- stderr ---\n")
			buf.Write(stderr)
		}
		os.WriteFile(filepath.Join(sandboxDir, "container_logs.txt"), buf.Bytes(), 0o644)
	}

	if stdout, _, code, err := d.docker(ctx, "inspect", d.name); err == nil && code == 0 {
		redacted, rerr := RedactInspectEnv(stdout, d.allowlist)
		if rerr != nil {
			redacted = stdout
		}
		os.WriteFile(filepath.Join(sandboxDir, "container_inspect.json"), redacted, 0o644)
	}

	if stdout, stderr, _, err := d.docker(ctx, "exec", d.name, "sh", "-c",
		"getent hosts example.com 2>&1; echo ---; cat /etc/resolv.conf 2>&1"); err == nil {
		var buf bytes.Buffer
		buf.Write(stdout)
		buf.Write(stderr)
		os.WriteFile(filepath.Join(sandboxDir, "dns_probe.txt"), buf.Bytes(), 0o644)
	}
}

func (d *Docker) docker(ctx context.Context, argv ...string) ([]byte, []byte, int, error) {
	if d.timeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.timeoutMS)*time.Millisecond)
		defer cancel()
	}
	full := append([]string{"docker"}, argv...)
	return d.runner(ctx, full)
}

// RedactInspectEnv blanks the values of allowlisted env keys inside a
// docker-inspect document. Keys stay visible so operators can see what was
// injected without leaking secrets into artifacts.
func RedactInspectEnv(raw []byte, allowlist []string) ([]byte, error) {
	allowed := map[string]bool{}
	for _, k := range allowlist {
		allowed[k] = true
	}
	var doc []map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for _, entry := range doc {
		cfg, ok := entry["Config"].(map[string]any)
		if !ok {
			continue
		}
		envList, ok := cfg["Env"].([]any)
		if !ok {
			continue
		}
		for i, item := range envList {
			s, ok := item.(string)
			if !ok {
				continue
			}
			key, _, found := strings.Cut(s, "=")
			if found && allowed[key] {
				envList[i] = key + "=[redacted]"
			}
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

func firstLineOrErr(stderr []byte, err error) string {
	for _, ln := range strings.Split(string(stderr), "\n") {
		if t := strings.TrimSpace(ln); t != "" {
			return t
		}
	}
	if err != nil {
		return err.Error()
	}
	return "no output"
}

// copyDir clones a small build-context tree. Contexts are tiny compared to
// workspaces, so no exclusion logic beyond .git.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(src, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		in, oerr := os.Open(path)
		if oerr != nil {
			return oerr
		}
		defer in.Close()
		out, cerr := os.Create(filepath.Join(dst, rel))
		if cerr != nil {
			return cerr
		}
		if _, werr := io.Copy(out, in); werr != nil {
			out.Close()
			return werr
		}
		return out.Close()
	})
}

