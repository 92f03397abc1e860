package engine

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/vsavkov/sortie/internal/capture"
	"github.com/vsavkov/sortie/internal/failure"
	"github.com/vsavkov/sortie/internal/runspec"
)

// resolveSpec loads the persona/mission catalog and persists the resolved
// spec artifacts. After this stage the run directory fully describes what
// was asked for, independent of the catalog's later state.
func (r *runner) resolveSpec() *failure.StructuredError {
	spec, err := runspec.Resolve(r.catalogRoot(), r.req.PersonaID, r.req.MissionID)
	if err != nil {
		return specFailure(err)
	}
	r.spec = spec

	if err := capture.WriteJSONAtomic(filepath.Join(r.runDir, EffectiveSpecName), spec.Ref()); err != nil {
		return failure.Coerce(err)
	}
	for name, body := range map[string][]byte{
		PersonaSourceName:   []byte(spec.PersonaSource),
		PersonaResolvedName: []byte(spec.PersonaResolved),
		MissionSourceName:   []byte(spec.MissionSource),
		MissionResolvedName: []byte(spec.MissionResolved),
		PromptTemplateName:  []byte(spec.PromptTemplate),
		ReportSchemaName:    spec.ReportSchemaRaw,
	} {
		if err := os.WriteFile(filepath.Join(r.runDir, name), body, 0o644); err != nil {
			return failure.Coerce(err)
		}
	}
	r.log.Info("run spec resolved",
		"persona", spec.PersonaID, "mission", spec.MissionID, "report_path", spec.ReportPath)
	return nil
}

// renderPrompt substitutes the harness-provided variables into the mission's
// template and persists prompt.txt. Substitution is strict: an unknown
// placeholder aborts instead of handing the agent a hole.
func (r *runner) renderPrompt() *failure.StructuredError {
	vars := map[string]string{
		"persona":       r.spec.PersonaResolved,
		"mission":       r.spec.MissionResolved,
		"workspace":     r.inst.WorkspaceMount(),
		"report_path":   r.spec.ReportPath,
		"report_schema": string(r.spec.ReportSchemaRaw),
		"agent":         r.req.Agent,
	}
	prompt, err := runspec.RenderTemplate(r.spec.PromptTemplate, vars)
	if err != nil {
		return specFailure(err)
	}
	r.prompt = prompt
	if werr := os.WriteFile(filepath.Join(r.runDir, PromptName), []byte(prompt), 0o644); werr != nil {
		return failure.Coerce(werr)
	}
	return nil
}

// specFailure maps resolver errors onto the error.json shape, keeping the
// resolver's code as the error type so aggregators can match on it.
func specFailure(err error) *failure.StructuredError {
	var se *runspec.SpecError
	if errors.As(err, &se) {
		return se.Structured()
	}
	return failure.Coerce(err)
}
