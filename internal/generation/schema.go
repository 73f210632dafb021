package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON Schema describing structured output.
type Schema struct {
	name     string
	raw      string
	compiled *jsonschema.Schema
}

// CompileSchema compiles a Draft 2020-12 schema document.
func CompileSchema(name, src string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://schemas.simnations.local/generation/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, errors.Wrapf(err, "load schema %s", name)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, errors.Wrapf(err, "compile schema %s", name)
	}
	return &Schema{name: name, raw: src, compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema for package-level schemas.
func MustCompileSchema(name, src string) *Schema {
	s, err := CompileSchema(name, src)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string { return s.name }

// Raw returns the schema document, for inclusion in prompts.
func (s *Schema) Raw() string { return s.raw }

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(v any) error {
	return s.compiled.Validate(v)
}

// Check validates obj and reports failures as a *SchemaViolationError.
func (s *Schema) Check(provider string, obj map[string]any) error {
	if obj == nil {
		return &SchemaViolationError{Provider: provider, Schema: s.name, Reason: "no object produced"}
	}
	if err := s.compiled.Validate(obj); err != nil {
		return &SchemaViolationError{Provider: provider, Schema: s.name, Reason: "validation failed", Cause: err}
	}
	return nil
}

// Coerce extracts a JSON object from model output and validates it.
// Markdown code fences and text around the outermost object are ignored.
func (s *Schema) Coerce(provider, text string) (map[string]any, error) {
	body := extractObject(text)
	if body == "" {
		return nil, &SchemaViolationError{Provider: provider, Schema: s.name, Reason: "no JSON object in output"}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &SchemaViolationError{Provider: provider, Schema: s.name, Reason: "malformed JSON", Cause: err}
	}
	if err := s.Check(provider, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func extractObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

const effectSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["economicEffects", "socialEffects"],
  "additionalProperties": false,
  "properties": {
    "economicEffects": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    },
    "socialEffects": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    }
  }
}`

// EffectSchema is the structured output expected for effect executions.
var EffectSchema = MustCompileSchema("effects", effectSchemaJSON)
