package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsavkov/sortie/internal/failure"
)

func TestLocalInstance(t *testing.T) {
	l := NewLocal("/ws")
	assert.Nil(t, l.CommandPrefix())
	assert.Equal(t, "/ws", l.WorkspaceMount())
	assert.NoError(t, l.Close(context.Background()))
}

func TestInjectEnvIntoPrefixSortedBeforeContainer(t *testing.T) {
	prefix := []string{"docker", "exec", "-i", "-w", "/workspace", "c1"}
	out, injected := InjectEnvIntoPrefix(prefix, map[string]string{"B": "2", "A": "1"})

	require.True(t, injected)
	assert.Equal(t, []string{
		"docker", "exec", "-i", "-w", "/workspace",
		"-e", "A=1", "-e", "B=2", "c1",
	}, out)
	// Original slice untouched.
	assert.Equal(t, "c1", prefix[len(prefix)-1])
}

func TestInjectEnvIntoPrefixPassthrough(t *testing.T) {
	out, injected := InjectEnvIntoPrefix(nil, map[string]string{"A": "1"})
	assert.False(t, injected)
	assert.Nil(t, out)

	plain := []string{"ssh", "host"}
	out, injected = InjectEnvIntoPrefix(plain, map[string]string{"A": "1"})
	assert.False(t, injected)
	assert.Equal(t, plain, out)
}

func TestContextDigestStableAndSensitive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM alpine\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup.sh"), []byte("echo hi\n"), 0o644))

	d1, err := ContextDigest(dir, nil)
	require.NoError(t, err)
	d2, err := ContextDigest(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup.sh"), []byte("echo bye\n"), 0o644))
	d3, err := ContextDigest(dir, nil)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)

	// Excluded files do not contribute.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x\n"), 0o644))
	d4, err := ContextDigest(dir, []string{"notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, d3, d4)
}

func TestImageTagShape(t *testing.T) {
	assert.Equal(t, "sortie-sandbox:abcdef123456", ImageTag("abcdef1234567890"))
}

func TestRewriteFromLine(t *testing.T) {
	df := "# syntax=docker/dockerfile:1\nFROM python:3.9-slim AS base\nRUN true\n"
	out, ok := RewriteFromLine(df, "python:3.12-slim")
	assert.True(t, ok)
	assert.Contains(t, out, "FROM python:3.12-slim AS base")
	assert.Contains(t, out, "RUN true")

	out2, ok2 := RewriteFromLine("RUN echo no-from\n", "python:3.12-slim")
	assert.False(t, ok2)
	assert.Contains(t, out2, "RUN echo no-from")
}

func TestChoosePythonBase(t *testing.T) {
	chosen, candidates := ChoosePythonBase(">=3.11")
	assert.Equal(t, "python:3.12-slim", chosen)
	assert.NotEmpty(t, candidates)

	chosen, _ = ChoosePythonBase("")
	assert.Equal(t, "python:3.12-slim", chosen)
}

func TestClassifyInterpreterProbe(t *testing.T) {
	ok, reason := ClassifyInterpreterProbe("Python was not found; install from the Microsoft Store", nil)
	assert.False(t, ok)
	assert.Equal(t, ReasonWindowsAppsAlias, reason)

	ok, reason = ClassifyInterpreterProbe("Python 3.12.1", nil)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestReadRequiresPython(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "pyproject.toml"),
		[]byte("[project]\nname = \"x\"\nrequires-python = \">=3.10\"\n"), 0o644))
	assert.Equal(t, ">=3.10", ReadRequiresPython(ws))
	assert.Empty(t, ReadRequiresPython(t.TempDir()))
}

func TestMergeInstallManifests(t *testing.T) {
	base := InstallManifest{Apt: []string{"git", "curl"}}
	overlay := InstallManifest{Apt: []string{"curl", "jq"}, Pip: []string{"rich"}}

	merged, err := MergeInstallManifests(base, overlay)
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "git", "jq"}, merged.Apt)
	assert.Equal(t, []string{"rich"}, merged.Pip)

	lines := merged.DockerfileLines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "apt-get install -y --no-install-recommends curl git jq")
}

func TestMergeInstallManifestsBound(t *testing.T) {
	big := InstallManifest{}
	for i := 0; i < maxInstallEntries+1; i++ {
		big.Pip = append(big.Pip, strings.Repeat("p", 3)+string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	_, err := MergeInstallManifests(InstallManifest{}, big)
	require.Error(t, err)
	se := failure.Coerce(err)
	assert.Equal(t, failure.TypeImageBuildFailed, se.Type)
}

func TestRedactInspectEnv(t *testing.T) {
	doc := `[{"Config":{"Env":["SECRET_TOKEN=abc","PATH=/usr/bin","OTHER=x"]}}]`
	out, err := RedactInspectEnv([]byte(doc), []string{"SECRET_TOKEN"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "SECRET_TOKEN=[redacted]")
	assert.Contains(t, string(out), "PATH=/usr/bin")
}

// scriptedRunner answers docker CLI calls from a canned table and records
// every argv it sees.
type scriptedRunner struct {
	calls    [][]string
	fail     map[string]int // verb -> exit code
	imageHit bool
}

func (s *scriptedRunner) run(_ context.Context, argv []string) ([]byte, []byte, int, error) {
	s.calls = append(s.calls, argv)
	verb := argv[1]
	if code, ok := s.fail[verb]; ok {
		return nil, []byte(verb + " failed\n"), code, nil
	}
	switch verb {
	case "version":
		return []byte("27.0.1\n"), nil, 0, nil
	case "image":
		if s.imageHit {
			return []byte("[]"), nil, 0, nil
		}
		return nil, []byte("no such image\n"), 1, nil
	case "inspect":
		return []byte(`[{"Config":{"Env":["K=v"]}}]`), nil, 0, nil
	default:
		return nil, nil, 0, nil
	}
}

func newDockerFixture(t *testing.T) (DockerOptions, string) {
	t.Helper()
	ctxDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ctxDir, "Dockerfile"),
		[]byte("FROM python:3.9-slim\nRUN true\n"), 0o644))
	ws := t.TempDir()
	runDir := t.TempDir()
	return DockerOptions{
		ContextDir:     ctxDir,
		Dockerfile:     "Dockerfile",
		Workspace:      ws,
		WorkspaceMount: "/workspace",
		EnvAllowlist:   []string{"API_KEY"},
		RunDir:         runDir,
	}, runDir
}

func TestStartDockerLifecycle(t *testing.T) {
	opts, runDir := newDockerFixture(t)
	sr := &scriptedRunner{}

	d, err := StartDocker(context.Background(), opts, sr.run)
	require.NoError(t, err)

	prefix := d.CommandPrefix()
	require.Len(t, prefix, 6)
	assert.Equal(t, []string{"docker", "exec", "-i", "-w", "/workspace"}, prefix[:5])
	assert.True(t, strings.HasPrefix(prefix[5], "sortie-"))

	// version, image inspect (miss), build, run.
	var verbs []string
	for _, c := range sr.calls {
		verbs = append(verbs, c[1])
	}
	assert.Equal(t, []string{"version", "image", "build", "run"}, verbs)

	var meta sandboxMeta
	raw, rerr := os.ReadFile(filepath.Join(runDir, "sandbox", "sandbox.json"))
	require.NoError(t, rerr)
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, prefix[5], meta.ContainerName)
	assert.Contains(t, meta.ImageTag, "sortie-sandbox:")

	require.NoError(t, d.Close(context.Background()))
	last := sr.calls[len(sr.calls)-1]
	assert.Equal(t, []string{"docker", "rm", "-f", meta.ContainerName}, last)

	// Close is idempotent.
	n := len(sr.calls)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, sr.calls, n)
}

func TestStartDockerDaemonUnavailable(t *testing.T) {
	opts, _ := newDockerFixture(t)
	sr := &scriptedRunner{fail: map[string]int{"version": 1}}

	_, err := StartDocker(context.Background(), opts, sr.run)
	require.Error(t, err)
	se := failure.Coerce(err)
	assert.Equal(t, failure.TypeDockerUnavailable, se.Type)
	assert.Contains(t, se.Hint, "--exec-backend local")
}

func TestStartDockerBuildFailure(t *testing.T) {
	opts, runDir := newDockerFixture(t)
	sr := &scriptedRunner{fail: map[string]int{"build": 2}}

	_, err := StartDocker(context.Background(), opts, sr.run)
	require.Error(t, err)
	se := failure.Coerce(err)
	assert.Equal(t, failure.TypeImageBuildFailed, se.Type)
	assert.Contains(t, se.Stderr, "build failed")
	assert.FileExists(t, filepath.Join(runDir, "sandbox", "docker_build.log"))
}

func TestStartDockerImageCacheSkipsBuild(t *testing.T) {
	opts, _ := newDockerFixture(t)
	sr := &scriptedRunner{imageHit: true}

	d, err := StartDocker(context.Background(), opts, sr.run)
	require.NoError(t, err)
	defer d.Close(context.Background())

	for _, c := range sr.calls {
		assert.NotEqual(t, "build", c[1], "cache hit must not rebuild")
	}
}

func TestMaterializeOverlayForPythonTarget(t *testing.T) {
	opts, runDir := newDockerFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(opts.Workspace, "pyproject.toml"),
		[]byte("[project]\nrequires-python = \">=3.11\"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(opts.Workspace, InstallManifestName),
		[]byte("pip:\n  - rich\n"), 0o644))
	sr := &scriptedRunner{}

	d, err := StartDocker(context.Background(), opts, sr.run)
	require.NoError(t, err)
	defer d.Close(context.Background())

	overlayDF := filepath.Join(runDir, "sandbox", "image_context", "Dockerfile")
	raw, rerr := os.ReadFile(overlayDF)
	require.NoError(t, rerr)
	assert.Contains(t, string(raw), "FROM python:3.12-slim")
	assert.Contains(t, string(raw), "pip install --no-cache-dir rich")

	// Source context untouched.
	orig, oerr := os.ReadFile(filepath.Join(opts.ContextDir, "Dockerfile"))
	require.NoError(t, oerr)
	assert.Contains(t, string(orig), "FROM python:3.9-slim")

	assert.FileExists(t, filepath.Join(runDir, "sandbox", "python_selection.json"))
	assert.FileExists(t, filepath.Join(runDir, "sandbox", "sandbox_cli_install.json"))
}

func TestCaptureDiagnosticsRedactsInspect(t *testing.T) {
	opts, runDir := newDockerFixture(t)
	sr := &scriptedRunner{}

	d, err := StartDocker(context.Background(), opts, sr.run)
	require.NoError(t, err)
	defer d.Close(context.Background())

	d.CaptureDiagnostics(context.Background())
	assert.FileExists(t, filepath.Join(runDir, "sandbox", "container_logs.txt"))
	raw, rerr := os.ReadFile(filepath.Join(runDir, "sandbox", "container_inspect.json"))
	require.NoError(t, rerr)
	assert.Contains(t, string(raw), `"K=v"`)
}
