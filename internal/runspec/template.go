package runspec

import (
	"regexp"
	"sort"
)

var templateVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// RenderTemplate substitutes ${var} placeholders from vars. Substitution is
// strict: a placeholder with no matching variable is an error, never an
// empty string.
func RenderTemplate(tmpl string, vars map[string]string) (string, error) {
	var missing []string
	out := templateVarPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := templateVarPattern.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		known := make([]string, 0, len(vars))
		for k := range vars {
			known = append(known, k)
		}
		sort.Strings(known)
		return "", &SpecError{
			Code: CodeUnresolvedTemplateVar,
			Details: map[string]any{
				"variables": missing,
				"known":     known,
			},
			Hint: "the prompt template references variables the runner does not provide; fix the template or the mission",
		}
	}
	return out, nil
}
