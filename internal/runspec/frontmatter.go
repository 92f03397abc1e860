package runspec

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the structured YAML block at the top of a persona or
// mission document. Mission-only fields stay zero-valued on personas.
type Frontmatter struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Extends        string `yaml:"extends"`
	ExecutionMode  string `yaml:"execution_mode"`
	PromptTemplate string `yaml:"prompt_template"`
	ReportSchema   string `yaml:"report_schema"`
	ReportPath     string `yaml:"report_path"`
	RequiresShell  bool   `yaml:"requires_shell"`
	RequiresEdits  bool   `yaml:"requires_edits"`
}

// Document is one parsed catalog markdown file.
type Document struct {
	Front  Frontmatter
	Body   string // markdown after the closing delimiter
	Source string // full file content, frontmatter included
	Path   string
}

const frontmatterDelim = "---"

// ParseDocument reads a markdown file and splits its YAML frontmatter from
// the body. The file must open with a `---` line.
func ParseDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &SpecError{
			Code:    CodeInvalidRunSpec,
			Details: map[string]any{"path": path, "error": err.Error()},
			Hint:    "check that the catalog file exists and is readable",
		}
	}
	front, body, err := splitFrontmatter(string(raw))
	if err != nil {
		return nil, &SpecError{
			Code:    CodeInvalidRunSpec,
			Details: map[string]any{"path": path, "error": err.Error()},
			Hint:    "catalog documents start with a `---` YAML frontmatter block closed by a second `---` line",
		}
	}
	doc := &Document{Body: body, Source: string(raw), Path: path}
	if err := yaml.Unmarshal([]byte(front), &doc.Front); err != nil {
		return nil, &SpecError{
			Code:    CodeInvalidRunSpec,
			Details: map[string]any{"path": path, "error": err.Error()},
			Hint:    "fix the YAML frontmatter; see the persona/mission examples in the catalog",
		}
	}
	if strings.TrimSpace(doc.Front.ID) == "" {
		return nil, &SpecError{
			Code:    CodeInvalidRunSpec,
			Details: map[string]any{"path": path, "error": "frontmatter is missing `id`"},
			Hint:    "every persona/mission document needs a unique `id` in its frontmatter",
		}
	}
	return doc, nil
}

func splitFrontmatter(content string) (front, body string, err error) {
	// Normalize CRLF so the delimiter match is byte-exact.
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontmatterDelim {
		return "", "", fmt.Errorf("missing opening frontmatter delimiter")
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelim {
			front = strings.Join(lines[1:i], "\n")
			body = strings.Join(lines[i+1:], "\n")
			return front, strings.TrimLeft(body, "\n"), nil
		}
	}
	return "", "", fmt.Errorf("frontmatter not closed")
}
