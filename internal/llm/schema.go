package llm

import (
	"fmt"
	"strings"
)

// strictUnsupportedKeys are JSON Schema keywords rejected by backends that
// accept only the OpenAPI-style schema subset (Gemini).
var strictUnsupportedKeys = map[string]bool{
	"$schema":               true,
	"$id":                   true,
	"$ref":                  true,
	"$defs":                 true,
	"$comment":              true,
	"definitions":           true,
	"additionalProperties":  true,
	"unevaluatedProperties": true,
	"patternProperties":     true,
	"default":               true,
	"examples":              true,
	"const":                 true,
	"title":                 true,
}

// SanitizeSchema returns a copy of a JSON Schema restricted to the subset
// strict backends accept. Unsupported keywords are stripped recursively,
// "required" entries with no declared property are dropped, and "format"
// is kept only for the values those backends understand. A "type" array
// collapses to its first non-null member with "nullable" set, and enum
// values are rendered as strings. The input is not modified.
func SanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	result := make(map[string]any, len(schema))
	for k, v := range schema {
		if strictUnsupportedKeys[k] {
			continue
		}
		switch k {
		case "properties":
			props, ok := v.(map[string]any)
			if !ok {
				continue
			}
			cleaned := make(map[string]any, len(props))
			for name, p := range props {
				if pm, ok := p.(map[string]any); ok {
					cleaned[name] = SanitizeSchema(pm)
				}
			}
			result[k] = cleaned
		case "format":
			if f, ok := v.(string); ok && (f == "enum" || f == "date-time") {
				result[k] = f
			}
		case "type":
			typ, nullable := collapseType(v)
			if typ != "" {
				result[k] = typ
			}
			if nullable {
				result["nullable"] = true
			}
		case "enum":
			if vals, ok := v.([]any); ok {
				strs := make([]string, 0, len(vals))
				for _, e := range vals {
					if e != nil {
						strs = append(strs, fmt.Sprint(e))
					}
				}
				result[k] = strs
			}
		default:
			result[k] = sanitizeValue(v)
		}
	}

	if req, ok := result["required"]; ok {
		props, _ := result["properties"].(map[string]any)
		kept := filterRequired(req, props)
		if len(kept) == 0 {
			delete(result, "required")
		} else {
			result["required"] = kept
		}
	}

	return result
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return SanitizeSchema(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// collapseType reduces a "type" keyword to a single type name. Arrays
// such as ["string", "null"] yield their first non-null member and report
// nullable.
func collapseType(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, false
	case []string:
		return collapseType(toAnySlice(t))
	case []any:
		var typ string
		nullable := false
		for _, m := range t {
			name, _ := m.(string)
			switch {
			case name == "null":
				nullable = true
			case name != "" && typ == "":
				typ = name
			}
		}
		return typ, nullable
	}
	return "", false
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// filterRequired keeps only required names that are declared properties.
func filterRequired(req any, props map[string]any) []string {
	var names []string
	switch r := req.(type) {
	case []string:
		names = r
	case []any:
		for _, n := range r {
			if s, ok := n.(string); ok {
				names = append(names, s)
			}
		}
	}

	kept := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := props[n]; ok {
			kept = append(kept, n)
		}
	}
	return kept
}

// upperCaseTypes rewrites "type" values to the upper-case enum spelling
// used by the Gemini Schema type. It mutates schema in place and is only
// applied to the output of SanitizeSchema.
func upperCaseTypes(schema map[string]any) {
	for k, v := range schema {
		switch val := v.(type) {
		case string:
			if k == "type" {
				schema[k] = strings.ToUpper(val)
			}
		case map[string]any:
			if k == "properties" {
				for _, p := range val {
					if pm, ok := p.(map[string]any); ok {
						upperCaseTypes(pm)
					}
				}
			} else {
				upperCaseTypes(val)
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					upperCaseTypes(m)
				}
			}
		}
	}
}
