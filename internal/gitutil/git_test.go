package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestInitAndSnapshotPlainDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	sha, err := InitAndSnapshot(dir, "snapshot")
	if err != nil {
		t.Fatal(err)
	}
	if len(sha) != 40 {
		t.Fatalf("expected full sha, got %q", sha)
	}
	if !IsRepo(dir) {
		t.Fatal("directory should be a git repo after snapshot")
	}
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("tree should be clean after snapshot commit")
	}
}

func TestInitAndSnapshotCleanRepoKeepsHead(t *testing.T) {
	dir := initTestRepo(t)
	before, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	after, err := InitAndSnapshot(dir, "snapshot")
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatalf("clean repo must keep HEAD: before=%s after=%s", before, after)
	}
}

func TestInitAndSnapshotDirtyRepoCommits(t *testing.T) {
	dir := initTestRepo(t)
	before, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	after, err := InitAndSnapshot(dir, "snapshot")
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Fatal("dirty repo must get a new snapshot commit")
	}
}

func TestDiffNumstat(t *testing.T) {
	dir := initTestRepo(t)
	base, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello\nthere\nworld\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := DiffNumstat(dir, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d: %+v", len(entries), entries)
	}
	e := entries[0]
	if e.Path != "initial.txt" {
		t.Fatalf("unexpected path %q", e.Path)
	}
	if e.Added != 1 || e.Removed != 0 {
		t.Fatalf("unexpected counts: +%d -%d", e.Added, e.Removed)
	}
}

func TestParseNumstatBinary(t *testing.T) {
	entries := parseNumstat("-\t-\timg.png\n3\t1\tmain.go\n")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Added != -1 || entries[0].Removed != -1 {
		t.Fatalf("binary entry should be -1/-1, got %+v", entries[0])
	}
	if entries[1].Added != 3 || entries[1].Removed != 1 {
		t.Fatalf("unexpected counts: %+v", entries[1])
	}
}

func TestCommandErrorMentionsStderr(t *testing.T) {
	dir := t.TempDir()
	_, err := HeadSHA(dir) // not a repo
	if err == nil {
		t.Fatal("expected error outside a repo")
	}
	var cmdErr *CommandError
	if !asCommandError(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if len(cmdErr.Args) == 0 {
		t.Fatal("command error should carry args")
	}
}

func asCommandError(err error, target **CommandError) bool {
	ce, ok := err.(*CommandError)
	if ok {
		*target = ce
	}
	return ok
}
