package runspec

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	personaSuffix = ".persona.md"
	missionSuffix = ".mission.md"
	catalogConfig = "catalog.yaml"
)

// Defaults are the catalog-level fallbacks applied when the operator passes
// no explicit persona/mission id.
type Defaults struct {
	PersonaID string `yaml:"persona_id"`
	MissionID string `yaml:"mission_id"`
}

type catalogFile struct {
	Defaults     Defaults `yaml:"defaults"`
	TemplatesDir string   `yaml:"templates_dir"`
	SchemasDir   string   `yaml:"schemas_dir"`
}

// Catalog holds every persona/mission document found under a root, keyed by
// frontmatter id. Read-only once loaded.
type Catalog struct {
	Root     string
	Defaults Defaults

	personas     map[string]*Document
	missions     map[string]*Document
	templatesDir string
	schemasDir   string
}

func (c *Catalog) ConfigPath() string { return filepath.Join(c.Root, catalogConfig) }

// PersonaIDs returns the sorted persona ids, for error details.
func (c *Catalog) PersonaIDs() []string { return sortedKeys(c.personas) }

// MissionIDs returns the sorted mission ids.
func (c *Catalog) MissionIDs() []string { return sortedKeys(c.missions) }

func sortedKeys(m map[string]*Document) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadCatalog walks root for *.persona.md and *.mission.md documents and
// reads catalog.yaml when present. Duplicate ids within a kind are rejected.
func LoadCatalog(root string) (*Catalog, error) {
	cat := &Catalog{
		Root:         root,
		personas:     map[string]*Document{},
		missions:     map[string]*Document{},
		templatesDir: "templates",
		schemasDir:   "schemas",
	}

	cfgPath := cat.ConfigPath()
	if raw, err := os.ReadFile(cfgPath); err == nil {
		var cfg catalogFile
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, &SpecError{
				Code:    CodeInvalidRunSpec,
				Details: map[string]any{"path": cfgPath, "error": err.Error()},
				Hint:    "fix the YAML in catalog.yaml",
			}
		}
		cat.Defaults = cfg.Defaults
		if cfg.TemplatesDir != "" {
			cat.templatesDir = cfg.TemplatesDir
		}
		if cfg.SchemasDir != "" {
			cat.schemasDir = cfg.SchemasDir
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, &SpecError{
			Code:    CodeInvalidRunSpec,
			Details: map[string]any{"path": cfgPath, "error": err.Error()},
			Hint:    "check catalog.yaml permissions",
		}
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		var kind string
		switch {
		case strings.HasSuffix(path, personaSuffix):
			kind = "persona"
		case strings.HasSuffix(path, missionSuffix):
			kind = "mission"
		default:
			return nil
		}
		doc, perr := ParseDocument(path)
		if perr != nil {
			return perr
		}
		byID := cat.personas
		dupCode := CodeDuplicatePersonaID
		if kind == "mission" {
			byID = cat.missions
			dupCode = CodeDuplicateMissionID
		}
		if prev, dup := byID[doc.Front.ID]; dup {
			return &SpecError{
				Code: dupCode,
				Details: map[string]any{
					"id":          doc.Front.ID,
					"first_path":  prev.Path,
					"second_path": path,
				},
				Hint: "give each " + kind + " document a unique frontmatter id",
			}
		}
		byID[doc.Front.ID] = doc
		return nil
	})
	if walkErr != nil {
		var se *SpecError
		if errors.As(walkErr, &se) {
			return nil, se
		}
		return nil, &SpecError{
			Code:    CodeInvalidRunSpec,
			Details: map[string]any{"root": root, "error": walkErr.Error()},
			Hint:    "check that the catalog root exists and is readable",
		}
	}
	return cat, nil
}

// Resolved is a persona or mission after extends composition.
type Resolved struct {
	ID       string
	Source   string // the leaf document verbatim
	Resolved string // ancestor bodies prepended, root-most first
	Doc      *Document
}

// ResolvePersona composes the persona body with its extends chain.
func (c *Catalog) ResolvePersona(id string) (*Resolved, error) {
	return resolveChain(c.personas, id, "persona", CodeUnknownPersonaID, CodePersonaCycle, c.PersonaIDs())
}

// ResolveMission composes the mission body and checks its execution mode.
func (c *Catalog) ResolveMission(id string) (*Resolved, error) {
	res, err := resolveChain(c.missions, id, "mission", CodeUnknownMissionID, CodeMissionCycle, c.MissionIDs())
	if err != nil {
		return nil, err
	}
	front := res.Doc.Front
	if front.ExecutionMode != ExecutionModeSinglePass {
		return nil, &SpecError{
			Code: CodeUnsupportedExecutionMode,
			Details: map[string]any{
				"id":             id,
				"execution_mode": front.ExecutionMode,
				"supported":      []string{ExecutionModeSinglePass},
			},
			Hint: "set execution_mode: " + ExecutionModeSinglePass + " in the mission frontmatter",
		}
	}
	if front.PromptTemplate == "" || front.ReportSchema == "" {
		return nil, &SpecError{
			Code:    CodeInvalidRunSpec,
			Details: map[string]any{"id": id, "path": res.Doc.Path, "error": "mission frontmatter needs prompt_template and report_schema"},
			Hint:    "declare prompt_template and report_schema in the mission frontmatter",
		}
	}
	return res, nil
}

// resolveChain walks extends depth-first, rejecting cycles, and returns the
// composition with ancestor bodies prepended.
func resolveChain(byID map[string]*Document, id, kind, unknownCode, cycleCode string, known []string) (*Resolved, error) {
	leaf, ok := byID[id]
	if !ok {
		return nil, &SpecError{
			Code:    unknownCode,
			Details: map[string]any{"requested": id, "available": known},
			Hint:    "pick one of the available " + kind + " ids or add a new catalog document",
		}
	}

	var bodies []string
	seen := map[string]bool{}
	order := []string{}
	cur := leaf
	for {
		if seen[cur.Front.ID] {
			return nil, &SpecError{
				Code:    cycleCode,
				Details: map[string]any{"cycle": append(order, cur.Front.ID)},
				Hint:    "break the extends cycle between these " + kind + " documents",
			}
		}
		seen[cur.Front.ID] = true
		order = append(order, cur.Front.ID)
		bodies = append(bodies, cur.Body)
		if cur.Front.Extends == "" {
			break
		}
		parent, ok := byID[cur.Front.Extends]
		if !ok {
			return nil, &SpecError{
				Code: unknownCode,
				Details: map[string]any{
					"requested":   cur.Front.Extends,
					"extended_by": cur.Front.ID,
					"available":   known,
				},
				Hint: "fix the extends reference in " + cur.Path,
			}
		}
		cur = parent
	}

	// bodies is leaf-first; render root-most ancestor first.
	var composed []string
	for i := len(bodies) - 1; i >= 0; i-- {
		b := strings.TrimSpace(bodies[i])
		if b != "" {
			composed = append(composed, b)
		}
	}
	return &Resolved{
		ID:       id,
		Source:   leaf.Source,
		Resolved: strings.Join(composed, "\n\n") + "\n",
		Doc:      leaf,
	}, nil
}

// LoadPromptTemplate resolves rel against the catalog's templates dir.
func (c *Catalog) LoadPromptTemplate(rel string) (text, path string, err error) {
	baseDir := filepath.Join(c.Root, c.templatesDir)
	path = filepath.Join(baseDir, rel)
	raw, rerr := os.ReadFile(path)
	if rerr != nil {
		return "", "", &SpecError{
			Code: CodeMissingTemplateFile,
			Details: map[string]any{
				"requested": rel,
				"base_dir":  baseDir,
				"path":      path,
			},
			Hint: "add the template file or fix prompt_template in the mission frontmatter",
		}
	}
	return string(raw), path, nil
}

// LoadReportSchema resolves rel against the schemas dir and parses it as a
// JSON object. Malformed JSON reports the offending line and column.
func (c *Catalog) LoadReportSchema(rel string) (schema map[string]any, raw []byte, path string, err error) {
	baseDir := filepath.Join(c.Root, c.schemasDir)
	path = filepath.Join(baseDir, rel)
	raw, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, nil, "", &SpecError{
			Code: CodeMissingSchemaFile,
			Details: map[string]any{
				"requested": rel,
				"base_dir":  baseDir,
				"path":      path,
			},
			Hint: "add the schema file or fix report_schema in the mission frontmatter",
		}
	}
	if jerr := json.Unmarshal(raw, &schema); jerr != nil {
		line, col := jsonErrorPosition(raw, jerr)
		return nil, nil, "", &SpecError{
			Code: CodeJSONParseFailed,
			Details: map[string]any{
				"path":   path,
				"line":   line,
				"column": col,
				"error":  jerr.Error(),
			},
			Hint: "fix the JSON syntax in the report schema",
		}
	}
	return schema, raw, path, nil
}

// jsonErrorPosition converts a json.SyntaxError / UnmarshalTypeError byte
// offset into a 1-based line and column.
func jsonErrorPosition(raw []byte, err error) (line, col int) {
	var offset int64
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syn):
		offset = syn.Offset
	case errors.As(err, &typ):
		offset = typ.Offset
	default:
		return 0, 0
	}
	if offset > int64(len(raw)) {
		offset = int64(len(raw))
	}
	line, col = 1, 1
	for _, b := range raw[:offset] {
		if b == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}
