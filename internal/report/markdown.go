package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vsavkov/sortie/internal/failure"
	"github.com/vsavkov/sortie/internal/metrics"
)

// Summary carries everything report.md shows about one run.
type Summary struct {
	Agent      string
	Model      string
	Seed       int
	Status     string
	Locator    string
	CommitSHA  string
	PersonaID  string
	MissionID  string
	Source     Source
	Report     []byte
	Metrics    *metrics.Metrics
	Validation []ValidationError
	Err        *failure.StructuredError
}

// Markdown renders the human-readable run summary.
func Markdown(s Summary) string {
	var b strings.Builder
	b.WriteString("# Run Report\n\n")

	b.WriteString("| | |\n|---|---|\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", k, v)
		}
	}
	row("status", s.Status)
	row("agent", s.Agent)
	row("model", s.Model)
	row("seed", fmt.Sprintf("%d", s.Seed))
	row("persona", s.PersonaID)
	row("mission", s.MissionID)
	target := s.Locator
	if s.CommitSHA != "" {
		target = fmt.Sprintf("%s @ %s", s.Locator, shortSHA(s.CommitSHA))
	}
	row("target", target)
	if s.Source != "" {
		row("report source", string(s.Source))
	}

	if s.Err != nil {
		b.WriteString("\n## Failure\n\n")
		fmt.Fprintf(&b, "- **kind:** %s\n", failure.KindOf(s.Err))
		fmt.Fprintf(&b, "- **type:** %s\n", s.Err.Type)
		if s.Err.Subtype != "" {
			fmt.Fprintf(&b, "- **subtype:** %s\n", s.Err.Subtype)
		}
		if s.Err.Message != "" {
			fmt.Fprintf(&b, "- **message:** %s\n", s.Err.Message)
		}
		fmt.Fprintf(&b, "- **hint:** %s\n", s.Err.Hint)
	}

	if len(s.Validation) > 0 {
		b.WriteString("\n## Schema violations\n\n")
		for _, ve := range s.Validation {
			fmt.Fprintf(&b, "- `%s`: %s\n", ve.Path, ve.Message)
		}
	}

	if len(s.Report) > 0 {
		b.WriteString("\n## Report\n\n```json\n")
		b.WriteString(indentJSON(s.Report))
		b.WriteString("\n```\n")
	}

	if s.Metrics != nil {
		writeMetrics(&b, s.Metrics)
	}
	return b.String()
}

func writeMetrics(b *strings.Builder, m *metrics.Metrics) {
	b.WriteString("\n## Metrics\n\n| metric | value |\n|---|---|\n")
	rows := []struct {
		k string
		v int
	}{
		{"steps", m.StepCount},
		{"commands executed", m.CommandsExecuted},
		{"commands failed", m.CommandsFailed},
		{"distinct files read", m.DistinctFilesRead},
		{"distinct files written", m.DistinctFilesWritten},
		{"distinct docs read", m.DistinctDocsRead},
		{"lines added", m.LinesAddedTotal},
		{"lines removed", m.LinesRemovedTotal},
	}
	for _, r := range rows {
		fmt.Fprintf(b, "| %s | %d |\n", r.k, r.v)
	}

	if len(m.EventCounts) > 0 {
		b.WriteString("\n### Event counts\n\n| type | count |\n|---|---|\n")
		types := make([]string, 0, len(m.EventCounts))
		for t := range m.EventCounts {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(b, "| %s | %d |\n", t, m.EventCounts[t])
		}
	}

	if len(m.FailedCommands) > 0 {
		b.WriteString("\n### Failed commands\n\n")
		for _, fc := range m.FailedCommands {
			fmt.Fprintf(b, "- `%s` (exit %d)", fc.Command, fc.ExitCode)
			if fc.PolicyDenial != "" {
				fmt.Fprintf(b, " [%s]", fc.PolicyDenial)
			}
			b.WriteString("\n")
			if fc.Excerpt != "" {
				for _, ln := range strings.Split(strings.TrimRight(fc.Excerpt, "\n"), "\n") {
					fmt.Fprintf(b, "  > %s\n", ln)
				}
			}
		}
	}
}

func indentJSON(doc []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return string(doc)
	}
	return buf.String()
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
