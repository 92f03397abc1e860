// Package target acquires the source tree a run operates on: filesystem
// copies, shallow git clones, and synthetic pip dependency workspaces. The
// acquired workspace is always a git working tree with a snapshot commit, so
// later diff capture has a stable baseline.
package target

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vsavkov/sortie/internal/failure"
	"github.com/vsavkov/sortie/internal/gitutil"
)

// LocatorKind classifies how a locator is acquired.
type LocatorKind string

const (
	LocatorPath LocatorKind = "path"
	LocatorGit  LocatorKind = "git"
	LocatorPip  LocatorKind = "pip"
)

// pipPrefix marks dependency-only workspaces: pip:<req>[,<req>...].
const pipPrefix = "pip:"

// maxSafePathLen is the destination length beyond which Windows hosts
// relocate to a short tmpdir path.
const maxSafePathLen = 240

const snapshotMessage = "workspace snapshot"

// rootExcludes are generated directories skipped during copy, at the
// repository root only. The same names deeper in the tree are kept.
var rootExcludes = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	".venv":        true,
	"venv":         true,
	"node_modules": true,
	"__pycache__":  true,
	"runs":         true,
}

// agentDocNames are the root-level agent instruction files renamed by
// --obfuscate-agent-docs.
var agentDocNames = []string{"AGENTS.md", "CLAUDE.md", "GEMINI.md", "CODEX.md", ".cursorrules"}

// Classify determines the acquisition strategy for a locator.
func Classify(locator string) LocatorKind {
	switch {
	case strings.HasPrefix(locator, pipPrefix):
		return LocatorPip
	case strings.HasPrefix(locator, "git@"),
		strings.HasPrefix(locator, "ssh://"),
		strings.HasPrefix(locator, "git://"),
		strings.HasPrefix(locator, "http://"),
		strings.HasPrefix(locator, "https://"):
		return LocatorGit
	}
	return LocatorPath
}

// Options configures acquisition.
type Options struct {
	Locator string
	Dest    string
	Ref     string

	// IgnoreGlobs are policy-level patterns (doublestar syntax) excluded
	// from filesystem copies, matched against workspace-relative paths.
	IgnoreGlobs []string

	// ObfuscateAgentDocs renames root-level agent instruction files before
	// the snapshot commit so the agent starts without them.
	ObfuscateAgentDocs bool

	Logger *slog.Logger
}

// Acquired is a workspace ready to run against.
type Acquired struct {
	Locator        string            `json:"locator"`
	Kind           LocatorKind       `json:"kind"`
	Workspace      string            `json:"workspace"`
	CommitSHA      string            `json:"commit_sha"`
	Relocated      bool              `json:"relocated,omitempty"`
	ObfuscatedDocs map[string]string `json:"obfuscated_docs,omitempty"`
}

// Acquire materializes the locator under (a possibly relocated) opts.Dest and
// snapshots it as a git commit.
func Acquire(opts Options) (*Acquired, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	kind := Classify(opts.Locator)
	dest, relocated, err := planDest(opts.Locator, opts.Dest, kind)
	if err != nil {
		return nil, err
	}
	acq := &Acquired{Locator: opts.Locator, Kind: kind, Workspace: dest, Relocated: relocated}
	log.Debug("acquiring target", "kind", string(kind), "dest", dest, "relocated", relocated)

	switch kind {
	case LocatorGit:
		if err := gitutil.CloneShallow(opts.Locator, dest, opts.Ref); err != nil {
			return nil, failure.New(failure.TypeTargetAcquireFailed,
				fmt.Sprintf("git clone failed: %v", err),
				"verify the repository URL and ref are reachable; private repositories need credentials available to git")
		}
	case LocatorPip:
		if err := writePipWorkspace(dest, strings.TrimPrefix(opts.Locator, pipPrefix)); err != nil {
			return nil, err
		}
	default:
		if err := acquirePath(opts, dest); err != nil {
			return nil, err
		}
	}

	if opts.ObfuscateAgentDocs {
		renamed, err := obfuscateAgentDocs(dest)
		if err != nil {
			return nil, failure.New(failure.TypeTargetAcquireFailed,
				fmt.Sprintf("renaming agent instruction files failed: %v", err),
				"check workspace permissions or rerun without --obfuscate-agent-docs").AttachOSError(err)
		}
		if len(renamed) > 0 {
			acq.ObfuscatedDocs = renamed
			log.Debug("obfuscated agent docs", "count", len(renamed))
		}
	}

	sha, err := gitutil.InitAndSnapshot(dest, snapshotMessage)
	if err != nil {
		return nil, failure.New(failure.TypeTargetAcquireFailed,
			fmt.Sprintf("snapshot commit failed: %v", err),
			"git must be installed and runnable; the snapshot uses a fallback committer identity when none is configured")
	}
	acq.CommitSHA = sha
	return acq, nil
}

// acquirePath copies a filesystem locator. A ref with a path locator clones
// locally instead, which requires the source to already be a git repository.
func acquirePath(opts Options, dest string) error {
	src, err := filepath.Abs(opts.Locator)
	if err != nil {
		return failure.New(failure.TypeTargetAcquireFailed,
			fmt.Sprintf("cannot resolve target path %q: %v", opts.Locator, err),
			"pass --repo as an existing directory, a git URL, or pip:<requirements>")
	}
	info, err := os.Stat(src)
	if err != nil {
		return failure.New(failure.TypeTargetAcquireFailed,
			fmt.Sprintf("target path %q is not readable: %v", opts.Locator, err),
			"pass --repo as an existing directory, a git URL, or pip:<requirements>").AttachOSError(err)
	}
	if !info.IsDir() {
		return failure.New(failure.TypeTargetAcquireFailed,
			fmt.Sprintf("target path %q is not a directory", opts.Locator),
			"pass --repo as an existing directory, a git URL, or pip:<requirements>")
	}

	if strings.TrimSpace(opts.Ref) != "" {
		if !gitutil.IsRepo(src) {
			return failure.New(failure.TypeTargetNotGit,
				fmt.Sprintf("ref %q requested but %q is not a git repository", opts.Ref, opts.Locator),
				"drop the ref, or point --repo at a git repository or URL")
		}
		if err := gitutil.CloneShallow(src, dest, opts.Ref); err != nil {
			return failure.New(failure.TypeTargetAcquireFailed,
				fmt.Sprintf("local clone at ref %q failed: %v", opts.Ref, err),
				"confirm the ref exists in the source repository")
		}
		return nil
	}

	if err := copyTree(src, dest, opts.IgnoreGlobs); err != nil {
		return failure.New(failure.TypeTargetAcquireFailed,
			fmt.Sprintf("copying target into workspace failed: %v", err),
			"check free disk space and permissions under the runs root").AttachOSError(err)
	}
	return nil
}

// planDest resolves the workspace directory, relocating when the destination
// would sit inside the source tree or exceed safe path length on Windows.
func planDest(locator, dest string, kind LocatorKind) (string, bool, error) {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return "", false, failure.New(failure.TypeTargetAcquireFailed,
			fmt.Sprintf("cannot resolve workspace destination: %v", err),
			"set --runs-root to a writable absolute path")
	}
	relocated := false

	if kind == LocatorPath {
		if src, aerr := filepath.Abs(locator); aerr == nil && pathWithin(dest, src) {
			sibling, terr := os.MkdirTemp(filepath.Dir(src), filepath.Base(dest)+"-")
			if terr != nil {
				sibling, terr = os.MkdirTemp("", "sortie-ws-")
			}
			if terr != nil {
				return "", false, failure.New(failure.TypeTargetAcquireFailed,
					fmt.Sprintf("relocating workspace out of the source tree failed: %v", terr),
					"check permissions next to the target repository").AttachOSError(terr)
			}
			dest = sibling
			relocated = true
		}
	}

	if runtime.GOOS == "windows" && len(dest) > maxSafePathLen {
		short, terr := os.MkdirTemp("", "sortie-ws-")
		if terr != nil {
			return "", false, failure.New(failure.TypeTargetAcquireFailed,
				fmt.Sprintf("relocating workspace to a short path failed: %v", terr),
				"set TMP to a short writable directory").AttachOSError(terr)
		}
		dest = short
		relocated = true
	}
	return dest, relocated, nil
}

// pathWithin reports whether p is src or sits under it.
func pathWithin(p, src string) bool {
	rel, err := filepath.Rel(src, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func copyTree(src, dest string, ignore []string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dest, 0o755)
		}
		relSlash := filepath.ToSlash(rel)
		if d.IsDir() && !strings.Contains(relSlash, "/") && rootExcludes[d.Name()] {
			return filepath.SkipDir
		}
		for _, g := range ignore {
			if ok, _ := doublestar.Match(g, relSlash); ok {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		out := filepath.Join(dest, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(out, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, lerr := os.Readlink(path)
			if lerr != nil {
				return lerr
			}
			return os.Symlink(link, out)
		default:
			return copyFile(path, out, d)
		}
	})
}

func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// writePipWorkspace materializes a dependency-only workspace: the declared
// requirements become requirements.txt plus a minimal pyproject.toml, which
// the snapshot commit then pins.
func writePipWorkspace(dest, spec string) error {
	reqs := parsePipSpec(spec)
	if len(reqs) == 0 {
		return failure.New(failure.TypeTargetAcquireFailed,
			fmt.Sprintf("pip locator %q names no requirements", pipPrefix+spec),
			"use pip:<requirement>[,<requirement>...], e.g. pip:requests,flask==3.0")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return failure.New(failure.TypeTargetAcquireFailed,
			fmt.Sprintf("creating workspace failed: %v", err),
			"check permissions under the runs root").AttachOSError(err)
	}

	var reqFile strings.Builder
	for _, r := range reqs {
		reqFile.WriteString(r)
		reqFile.WriteByte('\n')
	}
	var py strings.Builder
	py.WriteString("[project]\nname = \"sortie-target\"\nversion = \"0.0.0\"\ndependencies = [\n")
	for _, r := range reqs {
		fmt.Fprintf(&py, "    %q,\n", r)
	}
	py.WriteString("]\n")

	for name, body := range map[string]string{
		"requirements.txt": reqFile.String(),
		"pyproject.toml":   py.String(),
	} {
		if err := os.WriteFile(filepath.Join(dest, name), []byte(body), 0o644); err != nil {
			return failure.New(failure.TypeTargetAcquireFailed,
				fmt.Sprintf("writing %s failed: %v", name, err),
				"check free disk space under the runs root").AttachOSError(err)
		}
	}
	return nil
}

func parsePipSpec(spec string) []string {
	var reqs []string
	for _, part := range strings.Split(spec, ",") {
		if p := strings.TrimSpace(part); p != "" {
			reqs = append(reqs, p)
		}
	}
	return reqs
}

// obfuscateAgentDocs renames root-level agent instruction files to
// <name>.off and returns the applied mapping.
func obfuscateAgentDocs(root string) (map[string]string, error) {
	renamed := map[string]string{}
	for _, name := range agentDocNames {
		p := filepath.Join(root, name)
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		off := name + ".off"
		if err := os.Rename(p, filepath.Join(root, off)); err != nil {
			return renamed, err
		}
		renamed[name] = off
	}
	return renamed, nil
}
