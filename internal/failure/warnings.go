package failure

import (
	"fmt"
	"strings"
)

// benignStderrPhrases are noisy-but-harmless lines agent CLIs print on
// stderr during successful runs. They are collapsed into counted warnings
// instead of being treated as failure evidence.
var benignStderrPhrases = []string{
	"shell snapshot unsupported",
	"turn metadata header timeout",
	"deprecationwarning",
	"experimentalwarning",
	"punycode",
	"update available",
}

// StderrSummary is the digest of an agent's stderr stream.
type StderrSummary struct {
	// Warnings holds one entry per distinct benign phrase, with an
	// occurrence count, e.g. "shell snapshot unsupported (x3)".
	Warnings []string
	// WarningOnly is true when every non-empty stderr line matched a
	// benign phrase, so stderr alone is not failure evidence.
	WarningOnly bool
	// Residual is the stderr text with benign lines removed, for
	// classification and error.json excerpts.
	Residual string
}

// SummarizeStderr splits stderr into benign warnings and residual content.
// An empty stderr yields WarningOnly=false: there was nothing to wave off.
func SummarizeStderr(stderr string) StderrSummary {
	var sum StderrSummary
	counts := map[string]int{}
	order := []string{}
	var residual []string
	sawContent := false

	for _, ln := range strings.Split(stderr, "\n") {
		t := strings.TrimSpace(ln)
		if t == "" {
			continue
		}
		sawContent = true
		lower := strings.ToLower(t)
		matched := ""
		for _, p := range benignStderrPhrases {
			if strings.Contains(lower, p) {
				matched = p
				break
			}
		}
		if matched == "" {
			residual = append(residual, ln)
			continue
		}
		if counts[matched] == 0 {
			order = append(order, matched)
		}
		counts[matched]++
	}

	for _, p := range order {
		if n := counts[p]; n > 1 {
			sum.Warnings = append(sum.Warnings, fmt.Sprintf("%s (x%d)", p, n))
		} else {
			sum.Warnings = append(sum.Warnings, p)
		}
	}
	sum.Residual = strings.Join(residual, "\n")
	sum.WarningOnly = sawContent && len(residual) == 0
	return sum
}
