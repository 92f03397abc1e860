// Package runspec resolves persona and mission catalogs into the effective
// specification for a single run: composed markdown bodies, the prompt
// template, and the mission's report schema.
package runspec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vsavkov/sortie/internal/failure"
)

// Error codes surfaced into error.json unchanged.
const (
	CodeInvalidRunSpec           = "invalid_run_spec"
	CodeUnknownPersonaID         = "unknown_persona_id"
	CodeUnknownMissionID         = "unknown_mission_id"
	CodeDuplicatePersonaID       = "duplicate_persona_id"
	CodeDuplicateMissionID       = "duplicate_mission_id"
	CodePersonaCycle             = "persona_cycle"
	CodeMissionCycle             = "mission_cycle"
	CodeUnsupportedExecutionMode = "unsupported_execution_mode"
	CodeMissingDefaultPersonaID  = "missing_default_persona_id"
	CodeMissingDefaultMissionID  = "missing_default_mission_id"
	CodeMissingTemplateFile      = "missing_prompt_template_file"
	CodeMissingSchemaFile        = "missing_report_schema_file"
	CodeJSONParseFailed          = "runspec_json_parse_failed"
	CodeUnresolvedTemplateVar    = "unresolved_template_variable"
)

// ExecutionModeSinglePass is the only execution mode missions may declare.
const ExecutionModeSinglePass = "single_pass_inline_report"

// SpecError is a tagged resolver error. Code and Hint carry straight into
// the run's error.json.
type SpecError struct {
	Code    string
	Details map[string]any
	Hint    string
}

func (e *SpecError) Error() string {
	if len(e.Details) == 0 {
		return e.Code
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
	}
	return e.Code + ": " + strings.Join(parts, " ")
}

// Structured converts the resolver error into the error.json form. The code
// becomes the error type so downstream aggregators can match on it directly.
func (e *SpecError) Structured() *failure.StructuredError {
	se := failure.New(e.Code, e.Error(), e.Hint)
	se.WithDetails(e.Details)
	return se
}

// DefaultReportPath is where report extraction looks inside the workspace
// when the mission does not override report_path.
const DefaultReportPath = "report.json"

// Effective is the flattened run specification.
type Effective struct {
	PersonaID       string
	MissionID       string
	ExecutionMode   string
	PersonaSource   string
	PersonaResolved string
	MissionSource   string
	MissionResolved string

	PromptTemplate     string
	PromptTemplatePath string

	ReportSchema     map[string]any
	ReportSchemaRaw  []byte
	ReportSchemaPath string

	ReportPath    string
	RequiresShell bool
	RequiresEdits bool
}

// Ref is the JSON shape persisted as effective_run_spec.json: identifiers
// and file references, not the full bodies (those get their own artifacts).
type Ref struct {
	PersonaID      string `json:"persona_id"`
	MissionID      string `json:"mission_id"`
	ExecutionMode  string `json:"execution_mode"`
	PromptTemplate string `json:"prompt_template"`
	ReportSchema   string `json:"report_schema"`
	ReportPath     string `json:"report_path"`
	RequiresShell  bool   `json:"requires_shell"`
	RequiresEdits  bool   `json:"requires_edits"`
}

func (e *Effective) Ref() Ref {
	return Ref{
		PersonaID:      e.PersonaID,
		MissionID:      e.MissionID,
		ExecutionMode:  e.ExecutionMode,
		PromptTemplate: e.PromptTemplatePath,
		ReportSchema:   e.ReportSchemaPath,
		ReportPath:     e.ReportPath,
		RequiresShell:  e.RequiresShell,
		RequiresEdits:  e.RequiresEdits,
	}
}

// Resolve loads the catalog under root and produces the effective spec for
// the requested persona and mission. Empty ids fall back to catalog
// defaults; a missing default is an error, never implicit behavior.
func Resolve(root, personaID, missionID string) (*Effective, error) {
	cat, err := LoadCatalog(root)
	if err != nil {
		return nil, err
	}
	if personaID == "" {
		personaID = cat.Defaults.PersonaID
		if personaID == "" {
			return nil, &SpecError{
				Code:    CodeMissingDefaultPersonaID,
				Details: map[string]any{"catalog": cat.ConfigPath()},
				Hint:    "pass --persona-id or set defaults.persona_id in catalog.yaml",
			}
		}
	}
	if missionID == "" {
		missionID = cat.Defaults.MissionID
		if missionID == "" {
			return nil, &SpecError{
				Code:    CodeMissingDefaultMissionID,
				Details: map[string]any{"catalog": cat.ConfigPath()},
				Hint:    "pass --mission-id or set defaults.mission_id in catalog.yaml",
			}
		}
	}

	persona, err := cat.ResolvePersona(personaID)
	if err != nil {
		return nil, err
	}
	mission, err := cat.ResolveMission(missionID)
	if err != nil {
		return nil, err
	}

	tmplText, tmplPath, err := cat.LoadPromptTemplate(mission.Doc.Front.PromptTemplate)
	if err != nil {
		return nil, err
	}
	schema, schemaRaw, schemaPath, err := cat.LoadReportSchema(mission.Doc.Front.ReportSchema)
	if err != nil {
		return nil, err
	}

	reportPath := mission.Doc.Front.ReportPath
	if reportPath == "" {
		reportPath = DefaultReportPath
	}

	return &Effective{
		PersonaID:          persona.ID,
		MissionID:          mission.ID,
		ExecutionMode:      mission.Doc.Front.ExecutionMode,
		PersonaSource:      persona.Source,
		PersonaResolved:    persona.Resolved,
		MissionSource:      mission.Source,
		MissionResolved:    mission.Resolved,
		PromptTemplate:     tmplText,
		PromptTemplatePath: tmplPath,
		ReportSchema:       schema,
		ReportSchemaRaw:    schemaRaw,
		ReportSchemaPath:   schemaPath,
		ReportPath:         reportPath,
		RequiresShell:      mission.Doc.Front.RequiresShell,
		RequiresEdits:      mission.Doc.Front.RequiresEdits,
	}, nil
}
