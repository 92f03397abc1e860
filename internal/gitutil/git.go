// Package gitutil provides minimal git helpers used by target acquisition
// and diff capture.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const (
	fallbackIdentityName  = "sortie-runner"
	fallbackIdentityEmail = "sortie-runner@local"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable Git's background auto-maintenance so acquisition snapshots stay
	// deterministic and no helper processes outlive the run.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func Init(dir string) error {
	_, _, err := runGit(dir, "init", "--quiet")
	return err
}

func AddAll(dir string) error {
	_, _, err := runGit(dir, "add", "-A")
	return err
}

// CommitAllowEmpty stages everything and commits, retrying once with a
// fallback committer identity when the host has none configured (the repo
// config is left untouched).
func CommitAllowEmpty(dir, message string) (string, error) {
	if err := AddAll(dir); err != nil {
		return "", err
	}
	_, _, err := runGit(dir, "commit", "--allow-empty", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = runGit(
				dir,
				"-c", "user.name="+fallbackIdentityName,
				"-c", "user.email="+fallbackIdentityEmail,
				"commit", "--allow-empty", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// InitAndSnapshot turns a plain directory into a git repo with one snapshot
// commit and returns the commit SHA. Existing repos only get the snapshot
// commit when the tree is dirty.
func InitAndSnapshot(dir, message string) (string, error) {
	if !IsRepo(dir) {
		if err := Init(dir); err != nil {
			return "", err
		}
		return CommitAllowEmpty(dir, message)
	}
	clean, err := IsClean(dir)
	if err != nil {
		return "", err
	}
	if clean {
		return HeadSHA(dir)
	}
	return CommitAllowEmpty(dir, message)
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// CloneShallow clones url at depth 1 into dest. An optional ref selects the
// branch or tag.
func CloneShallow(url, dest, ref string) error {
	args := []string{"clone", "--depth", "1"}
	if strings.TrimSpace(ref) != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, url, dest)
	cmd := exec.Command("git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Args: args, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	}
	return nil
}

// NumstatEntry is one line of `git diff --numstat`. Added/Removed are -1 for
// binary files (git prints "-").
type NumstatEntry struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// DiffNumstat returns per-file added/removed line counts of the working tree
// against baseRef. Untracked files do not show up here; callers that want
// them stage everything with AddAll first.
func DiffNumstat(dir, baseRef string) ([]NumstatEntry, error) {
	out, _, err := runGit(dir, "diff", "--numstat", baseRef)
	if err != nil {
		return nil, err
	}
	return parseNumstat(out), nil
}

func parseNumstat(out string) []NumstatEntry {
	var entries []NumstatEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		entries = append(entries, NumstatEntry{
			Path:    parts[2],
			Added:   parseNumstatCount(parts[0]),
			Removed: parseNumstatCount(parts[1]),
		})
	}
	return entries
}

func parseNumstatCount(s string) int {
	s = strings.TrimSpace(s)
	if s == "-" {
		return -1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

// DiffNameOnly returns file paths changed between baseRef and the working
// tree.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}
