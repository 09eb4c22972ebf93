package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Object builds a JSON Schema object with the given properties. Every
// name in required must appear in props.
func Object(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// String describes a string parameter.
func String(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// Number describes a numeric parameter.
func Number(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

// compileSchema compiles a tool's parameter schema. Go values are
// round-tripped through JSON first so typed slices and numbers take the
// shapes the validator expects.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	doc, err := normalize(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", name, err)
	}
	url := "tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema for %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return sch, nil
}

// validate checks args against the tool's compiled schema. Unknown
// arguments are accepted unless the schema says otherwise.
func validate(t *Tool, sch *jsonschema.Schema, args map[string]any) error {
	inst, err := normalize(args)
	if err != nil {
		return &ErrInvalidArguments{ToolName: t.Name, Reason: err.Error()}
	}
	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return &ErrInvalidArguments{ToolName: t.Name, Reason: validationReason(verr)}
	}
	return &ErrInvalidArguments{ToolName: t.Name, Reason: err.Error()}
}

// validationReason flattens the validator's multi-line report into one
// line, dropping the header that names the schema URL.
func validationReason(verr *jsonschema.ValidationError) string {
	lines := strings.Split(verr.Error(), "\n")
	if len(lines) > 1 {
		lines = lines[1:]
	}
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-"))
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "; ")
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
