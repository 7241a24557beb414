package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
)

// Property describes one input field.
type Property struct {
	Type        string // "string", "integer", "number" or "boolean"
	Description string
	Enum        []string
	Minimum     *float64
	Maximum     *float64
}

// Schema describes a tool's input object. Fields not listed are rejected.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// String is a string property.
func String(desc string) Property { return Property{Type: "string", Description: desc} }

// Enum is a string property restricted to values.
func Enum(desc string, values ...string) Property {
	return Property{Type: "string", Description: desc, Enum: values}
}

// Integer is an integer property bounded to [lo, hi].
func Integer(desc string, lo, hi float64) Property {
	return Property{Type: "integer", Description: desc, Minimum: &lo, Maximum: &hi}
}

// Map renders the schema as JSON Schema for provider tool definitions.
func (s Schema) Map() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		m := map[string]any{"type": p.Type}
		if p.Description != "" {
			m["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			m["enum"] = p.Enum
		}
		if p.Minimum != nil {
			m["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			m["maximum"] = *p.Maximum
		}
		props[name] = m
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// Validate checks args against the schema and reports every problem found,
// in a stable order.
func (s Schema) Validate(tool string, args map[string]any) error {
	var problems []string
	if raw, ok := args["_raw"]; ok {
		return &ValidationError{Tool: tool, Problems: []string{fmt.Sprintf("arguments are not a valid JSON object: %v", raw)}}
	}
	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			problems = append(problems, fmt.Sprintf("missing required field %q", name))
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := s.Properties[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown field %q", name))
			continue
		}
		if msg := p.check(args[name]); msg != "" {
			problems = append(problems, fmt.Sprintf("field %q %s", name, msg))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Tool: tool, Problems: problems}
	}
	return nil
}

func (p Property) check(v any) string {
	switch p.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
			return fmt.Sprintf("must be one of %v", p.Enum)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case "integer", "number":
		n, ok := toFloat(v)
		if !ok {
			return "must be a number"
		}
		if p.Type == "integer" && n != math.Trunc(n) {
			return "must be an integer"
		}
		if p.Minimum != nil && n < *p.Minimum {
			return fmt.Sprintf("must be >= %g", *p.Minimum)
		}
		if p.Maximum != nil && n > *p.Maximum {
			return fmt.Sprintf("must be <= %g", *p.Maximum)
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// argInt returns an already-validated integer argument or def.
func argInt(args map[string]any, key string, def int) int {
	if f, ok := toFloat(args[key]); ok {
		return int(f)
	}
	return def
}
