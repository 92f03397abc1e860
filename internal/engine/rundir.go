package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vsavkov/sortie/internal/events"
	"github.com/vsavkov/sortie/internal/target"
)

// runDirTimestamp is the compact UTC second used in run directory names.
const runDirTimestamp = "20060102T150405Z"

// allocateRunDir creates <runsRoot>/<slug>/<timestamp>/<agent>/<seed>/ and
// returns it. The leaf is created exclusively; a same-second collision gets
// a numeric suffix so concurrent runs never share a directory.
func allocateRunDir(runsRoot, locator, agent string, seed int, clock events.Clock) (string, error) {
	base := filepath.Join(runsRoot,
		targetSlug(locator),
		clock().UTC().Format(runDirTimestamp),
		agent)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	leaf := strconv.Itoa(seed)
	for i := 0; i < 10; i++ {
		name := leaf
		if i > 0 {
			name = fmt.Sprintf("%s-%d", leaf, i+1)
		}
		dir := filepath.Join(base, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("could not allocate a unique run directory under %s", base)
}

// targetSlug derives the directory-safe target name from a locator.
func targetSlug(locator string) string {
	switch target.Classify(locator) {
	case target.LocatorPip:
		spec := strings.TrimPrefix(locator, "pip:")
		first, _, _ := strings.Cut(spec, ",")
		return slugify("pip-" + requirementName(first))
	case target.LocatorGit:
		trimmed := strings.TrimSuffix(strings.TrimRight(locator, "/"), ".git")
		if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
			trimmed = trimmed[i+1:]
		}
		return slugify(trimmed)
	default:
		abs, err := filepath.Abs(locator)
		if err != nil {
			return slugify(filepath.Base(locator))
		}
		return slugify(filepath.Base(abs))
	}
}

// requirementName strips the version specifier off a pip requirement.
func requirementName(req string) string {
	req = strings.TrimSpace(req)
	if i := strings.IndexAny(req, " =<>!~["); i >= 0 {
		req = req[:i]
	}
	return req
}

// slugify lowercases and keeps [a-z0-9._-]; anything else becomes '-'.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "target"
	}
	return out
}
