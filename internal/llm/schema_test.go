package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeSchema(t *testing.T) {
	in := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"title":                "Args",
		"additionalProperties": false,
		"properties": map[string]any{
			"when": map[string]any{"type": "string", "format": "date-time"},
			"url":  map[string]any{"type": "string", "format": "uri"},
			"mode": map[string]any{"type": "string", "enum": []any{"a", "b"}, "default": "a"},
			"nested": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"default": map[string]any{"type": "boolean"},
				},
				"required": []any{"default", "nope"},
			},
			"list": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "const": "x"},
			},
			"either": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "string", "examples": []any{"e"}},
					map[string]any{"type": "integer"},
				},
			},
		},
		"required": []any{"when", "ghost"},
	}

	got := SanitizeSchema(in)

	want := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"when": map[string]any{"type": "string", "format": "date-time"},
			"url":  map[string]any{"type": "string"},
			"mode": map[string]any{"type": "string", "enum": []string{"a", "b"}},
			"nested": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"default": map[string]any{"type": "boolean"},
				},
				"required": []string{"default"},
			},
			"list": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"either": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "string"},
					map[string]any{"type": "integer"},
				},
			},
		},
		"required": []string{"when"},
	}
	assert.Equal(t, want, got)

	// The input is left untouched.
	assert.Contains(t, in, "$schema")
	assert.Equal(t, []any{"when", "ghost"}, in["required"])
}

func TestSanitizeSchema_DropsEmptyRequired(t *testing.T) {
	got := SanitizeSchema(map[string]any{
		"type":     "object",
		"required": []string{"ghost"},
	})
	assert.NotContains(t, got, "required")
	assert.Nil(t, SanitizeSchema(nil))
}

func TestSanitizeSchema_TypeArraysAndEnums(t *testing.T) {
	got := SanitizeSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": []any{"string", "null"}},
			"count": map[string]any{"type": []any{"null", "integer"}, "enum": []any{1, 2.5, nil}},
			"flag":  map[string]any{"type": []string{"boolean"}},
		},
	})

	props := got["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string", "nullable": true}, props["query"])
	assert.Equal(t, map[string]any{"type": "integer", "nullable": true, "enum": []string{"1", "2.5"}}, props["count"])
	assert.Equal(t, map[string]any{"type": "boolean"}, props["flag"])
}

func TestUpperCaseTypes(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{"type": "string"},
			"list": map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
		},
	}
	upperCaseTypes(schema)

	assert.Equal(t, "OBJECT", schema["type"])
	props := schema["properties"].(map[string]any)
	assert.Equal(t, "STRING", props["type"].(map[string]any)["type"], "a property named type is a schema, not a keyword")
	list := props["list"].(map[string]any)
	assert.Equal(t, "ARRAY", list["type"])
	assert.Equal(t, "NUMBER", list["items"].(map[string]any)["type"])
}
