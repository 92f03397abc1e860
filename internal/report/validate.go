package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError is one schema violation, with the instance path rendered
// in the $['key'].sub[0] form used throughout error.json and stderr.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// CompileSchema compiles a report schema with Draft 2020-12 semantics.
func CompileSchema(schema []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("report.schema.json", bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	return c.Compile("report.schema.json")
}

// Validate checks doc against sch. A nil slice means the document conforms;
// a non-nil error means doc is not JSON at all.
func Validate(sch *jsonschema.Schema, doc []byte) ([]ValidationError, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("report is not valid JSON: %w", err)
	}
	err := sch.Validate(v)
	if err == nil {
		return nil, nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, err
	}
	var out []ValidationError
	flattenCauses(ve, &out)
	return out, nil
}

// flattenCauses collects leaf violations in traversal order; inner nodes
// only restate their children.
func flattenCauses(ve *jsonschema.ValidationError, out *[]ValidationError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ValidationError{
			Path:    renderPath(ve.InstanceLocation),
			Message: ve.Message,
		})
		return
	}
	for _, c := range ve.Causes {
		flattenCauses(c, out)
	}
}

// renderPath turns a JSON pointer into the $['key'].sub[0] display form.
func renderPath(ptr string) string {
	if ptr == "" || ptr == "/" {
		return "$"
	}
	var b strings.Builder
	b.WriteString("$")
	keySeen := false
	for _, seg := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		switch {
		case isIndex(seg):
			b.WriteString("[" + seg + "]")
		case !keySeen:
			b.WriteString("['" + seg + "']")
			keySeen = true
		default:
			b.WriteString("." + seg)
		}
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
