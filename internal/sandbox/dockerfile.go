package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// PythonSelection is the audit record persisted as python_selection.json
// whenever the base image was chosen from the target's requires-python.
type PythonSelection struct {
	RequiresPython string             `json:"requires_python"`
	Candidates     []string           `json:"candidates"`
	Chosen         string             `json:"chosen"`
	FromRewritten  bool               `json:"from_rewritten"`
	Probes         []InterpreterProbe `json:"probes,omitempty"`
}

// InterpreterProbe records one host-interpreter check.
type InterpreterProbe struct {
	Command    string `json:"command"`
	OK         bool   `json:"ok"`
	ReasonCode string `json:"reason_code,omitempty"`
	Output     string `json:"output,omitempty"`
}

// ReasonWindowsAppsAlias marks the Microsoft Store python shim that parses
// as an interpreter but cannot run anything.
const ReasonWindowsAppsAlias = "windowsapps_alias"

// ClassifyInterpreterProbe inspects an interpreter probe's output and error
// and assigns a reason code when the candidate is unusable.
func ClassifyInterpreterProbe(output string, runErr error) (ok bool, reasonCode string) {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "microsoft store") || strings.Contains(lower, "windowsapps") {
		return false, ReasonWindowsAppsAlias
	}
	if runErr != nil {
		return false, "exec_failed"
	}
	if !strings.Contains(lower, "python") {
		return false, "unexpected_output"
	}
	return true, ""
}

var requiresPythonPattern = regexp.MustCompile(`(?m)^\s*requires-python\s*=\s*["']([^"']+)["']`)

// ReadRequiresPython extracts the requires-python constraint from the
// workspace's pyproject.toml. Empty when absent.
func ReadRequiresPython(workspace string) string {
	raw, err := os.ReadFile(filepath.Join(workspace, "pyproject.toml"))
	if err != nil {
		return ""
	}
	m := requiresPythonPattern.FindSubmatch(raw)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// pythonCandidates is the preference-ordered set of base images. The first
// entry satisfying the constraint wins.
var pythonCandidates = []string{
	"python:3.12-slim",
	"python:3.11-slim",
	"python:3.10-slim",
	"python:3.9-slim",
}

var minVersionPattern = regexp.MustCompile(`>=\s*3\.(\d+)`)

// ChoosePythonBase picks a base image for a requires-python constraint.
// Only the common `>=3.N` lower bound is interpreted; anything else keeps
// the default.
func ChoosePythonBase(requires string) (chosen string, candidates []string) {
	candidates = append(candidates, pythonCandidates...)
	chosen = pythonCandidates[0]
	m := minVersionPattern.FindStringSubmatch(requires)
	if m == nil {
		return chosen, candidates
	}
	min := "3." + m[1]
	// Candidates are newest-first; the first satisfying one wins.
	for _, c := range pythonCandidates {
		ver := strings.TrimSuffix(strings.TrimPrefix(c, "python:"), "-slim")
		if versionAtLeast(ver, min) {
			return c, candidates
		}
	}
	return chosen, candidates
}

func versionAtLeast(ver, min string) bool {
	var vMaj, vMin, mMaj, mMin int
	fmt.Sscanf(ver, "%d.%d", &vMaj, &vMin)
	fmt.Sscanf(min, "%d.%d", &mMaj, &mMin)
	if vMaj != mMaj {
		return vMaj > mMaj
	}
	return vMin >= mMin
}

// RewriteFromLine replaces the image of the first FROM instruction. The
// source Dockerfile is never modified; callers write the result into an
// overlay context under the run directory.
func RewriteFromLine(dockerfile, newBase string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(dockerfile))
	var out []string
	rewritten := false
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if !rewritten && strings.HasPrefix(strings.ToUpper(trimmed), "FROM ") {
			rest := strings.Fields(trimmed)
			// Preserve stage aliases: FROM <image> AS <name>.
			if len(rest) >= 4 && strings.EqualFold(rest[2], "AS") {
				line = fmt.Sprintf("FROM %s AS %s", newBase, rest[3])
			} else {
				line = "FROM " + newBase
			}
			rewritten = true
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n", rewritten
}
