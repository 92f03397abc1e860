package target

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsavkov/sortie/internal/failure"
	"github.com/vsavkov/sortie/internal/gitutil"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		locator string
		want    LocatorKind
	}{
		{"/home/me/project", LocatorPath},
		{"./relative", LocatorPath},
		{"C:\\work\\repo", LocatorPath},
		{"https://github.com/acme/repo.git", LocatorGit},
		{"http://git.internal/repo", LocatorGit},
		{"git@github.com:acme/repo.git", LocatorGit},
		{"ssh://git@host/repo.git", LocatorGit},
		{"git://host/repo.git", LocatorGit},
		{"pip:requests", LocatorPip},
		{"pip:requests,flask==3.0", LocatorPip},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.locator), tc.locator)
	}
}

func makeSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	files := map[string]string{
		"main.py":                  "print('hi')\n",
		"README.md":                "# demo\n",
		"pkg/util.py":              "x = 1\n",
		"pkg/node_modules/keep.js": "kept\n",
		".git/config":              "[core]\n",
		"node_modules/lib.js":      "skipped\n",
		".venv/bin/python":         "#!/bin/sh\n",
		"runs/old/run.json":        "{}\n",
	}
	for name, body := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return src
}

func TestAcquirePathCopiesWithRootExcludes(t *testing.T) {
	src := makeSource(t)
	dest := filepath.Join(t.TempDir(), "ws")

	acq, err := Acquire(Options{Locator: src, Dest: dest})
	require.NoError(t, err)
	assert.Equal(t, LocatorPath, acq.Kind)
	assert.False(t, acq.Relocated)
	assert.NotEmpty(t, acq.CommitSHA)

	// Copied content.
	for _, p := range []string{"main.py", "README.md", "pkg/util.py", "pkg/node_modules/keep.js"} {
		_, err := os.Stat(filepath.Join(acq.Workspace, filepath.FromSlash(p)))
		assert.NoError(t, err, p)
	}
	// Root-level generated directories are skipped; the source's .git is
	// replaced by the snapshot repository.
	for _, p := range []string{"node_modules", ".venv", "runs"} {
		_, err := os.Stat(filepath.Join(acq.Workspace, p))
		assert.True(t, os.IsNotExist(err), p)
	}
	assert.True(t, gitutil.IsRepo(acq.Workspace))

	sha, err := gitutil.HeadSHA(acq.Workspace)
	require.NoError(t, err)
	assert.Equal(t, acq.CommitSHA, sha)
}

func TestAcquireRelocatesDestInsideSource(t *testing.T) {
	src := makeSource(t)
	dest := filepath.Join(src, "runs", "ws")

	acq, err := Acquire(Options{Locator: src, Dest: dest})
	require.NoError(t, err)
	assert.True(t, acq.Relocated)
	assert.False(t, pathWithin(acq.Workspace, src))
	_, err = os.Stat(filepath.Join(acq.Workspace, "main.py"))
	assert.NoError(t, err)
}

func TestAcquireHonorsIgnoreGlobs(t *testing.T) {
	src := makeSource(t)
	dest := filepath.Join(t.TempDir(), "ws")

	acq, err := Acquire(Options{Locator: src, Dest: dest, IgnoreGlobs: []string{"**/*.md"}})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(acq.Workspace, "README.md"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(acq.Workspace, "main.py"))
	assert.NoError(t, err)
}

func TestAcquireObfuscatesAgentDocs(t *testing.T) {
	src := makeSource(t)
	require.NoError(t, os.WriteFile(filepath.Join(src, "AGENTS.md"), []byte("do this\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".cursorrules"), []byte("rules\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "docs", "CLAUDE.md"), []byte("nested stays\n"), 0o644))
	dest := filepath.Join(t.TempDir(), "ws")

	acq, err := Acquire(Options{Locator: src, Dest: dest, ObfuscateAgentDocs: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"AGENTS.md":    "AGENTS.md.off",
		".cursorrules": ".cursorrules.off",
	}, acq.ObfuscatedDocs)

	_, err = os.Stat(filepath.Join(acq.Workspace, "AGENTS.md"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(acq.Workspace, "AGENTS.md.off"))
	assert.NoError(t, err)
	// Only root-level docs are renamed.
	_, err = os.Stat(filepath.Join(acq.Workspace, "docs", "CLAUDE.md"))
	assert.NoError(t, err)

	// The rename happened before the snapshot, so the baseline is clean.
	clean, err := gitutil.IsClean(acq.Workspace)
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestAcquirePipWorkspace(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "ws")
	acq, err := Acquire(Options{Locator: "pip:requests, flask==3.0", Dest: dest})
	require.NoError(t, err)
	assert.Equal(t, LocatorPip, acq.Kind)
	assert.NotEmpty(t, acq.CommitSHA)

	reqs, err := os.ReadFile(filepath.Join(acq.Workspace, "requirements.txt"))
	require.NoError(t, err)
	assert.Equal(t, "requests\nflask==3.0\n", string(reqs))

	py, err := os.ReadFile(filepath.Join(acq.Workspace, "pyproject.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(py), `"flask==3.0",`)
}

func TestAcquirePipRejectsEmptySpec(t *testing.T) {
	_, err := Acquire(Options{Locator: "pip: , ,", Dest: filepath.Join(t.TempDir(), "ws")})
	require.Error(t, err)
	se := failure.Coerce(err)
	assert.Equal(t, failure.TypeTargetAcquireFailed, se.Type)
	assert.NotEmpty(t, se.Hint)
}

func TestAcquireMissingPath(t *testing.T) {
	_, err := Acquire(Options{Locator: "/does/not/exist", Dest: filepath.Join(t.TempDir(), "ws")})
	require.Error(t, err)
	se := failure.Coerce(err)
	assert.Equal(t, failure.TypeTargetAcquireFailed, se.Type)
}

func TestAcquireRefOnPlainDirectory(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f.txt"), []byte("x"), 0o644))
	_, err := Acquire(Options{Locator: src, Dest: filepath.Join(t.TempDir(), "ws"), Ref: "main"})
	require.Error(t, err)
	se := failure.Coerce(err)
	assert.Equal(t, failure.TypeTargetNotGit, se.Type)
}
