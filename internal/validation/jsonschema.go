package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/rowscript/pkg/schema"
)

const nodeSchemaURL = "https://rowscript.dev/schemas/node.json"

// nodeSchemaJSON is the JSON Schema of a node definition document.
const nodeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://rowscript.dev/schemas/node.json",
  "type": "object",
  "required": ["id", "kind", "expression"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "kind": {
      "type": "string",
      "enum": [
        "java_snippet",
        "string_manipulation",
        "multi_column_string_manipulation",
        "rule_engine",
        "string_manipulation_variable",
        "rule_engine_variable"
      ]
    },
    "description": { "type": "string" },
    "expression": { "type": "string", "minLength": 1 },
    "expression_form": { "type": "boolean" },
    "return_type": { "type": "string", "minLength": 1 },
    "return_array": { "type": "boolean" },
    "output_column": { "type": "string", "minLength": 1 },
    "replace_column": { "type": "string", "minLength": 1 },
    "columns": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "replace": { "type": "boolean" },
    "suffix": { "type": "string" },
    "output_variable": { "type": "string", "minLength": 1 },
    "insert_missing_as_null": { "type": "boolean" },
    "fail_on_evaluation_problems": { "type": "boolean" },
    "abort_policy": { "type": "string", "enum": ["table", "row"] },
    "classpath": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "variables": {
      "type": "object",
      "additionalProperties": { "type": ["string", "number"] }
    }
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if": { "properties": { "kind": { "enum": ["java_snippet", "string_manipulation", "rule_engine"] } } },
      "then": {
        "oneOf": [
          { "required": ["output_column"], "not": { "required": ["replace_column"] } },
          { "required": ["replace_column"], "not": { "required": ["output_column"] } }
        ]
      }
    },
    {
      "if": { "properties": { "kind": { "const": "multi_column_string_manipulation" } } },
      "then": { "required": ["columns"] }
    },
    {
      "if": { "properties": { "kind": { "enum": ["string_manipulation_variable", "rule_engine_variable"] } } },
      "then": { "required": ["output_variable"] }
    }
  ]
}`

// JSONSchemaValidator checks documents against the node schema. It is safe
// for concurrent use.
type JSONSchemaValidator struct {
	nodeSchema *jsonschema.Schema

	// mu guards the cache of caller-supplied schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded node schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(nodeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal node schema: %w", err)
	}
	if err := c.AddResource(nodeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add node schema resource: %w", err)
	}
	s, err := c.Compile(nodeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile node schema: %w", err)
	}
	return &JSONSchemaValidator{nodeSchema: s, cache: make(map[string]*jsonschema.Schema)}, nil
}

// ValidateNode validates a decoded node document (from YAML or JSON).
func (v *JSONSchemaValidator) ValidateNode(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "node definition is empty")
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "node definition is not a JSON document").WithCause(err)
	}
	if err := v.nodeSchema.Validate(val); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateVariables checks flow variables against a caller-supplied JSON
// Schema. Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidateVariables(vars map[string]any, varSchema []byte) error {
	if len(varSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(varSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid variable schema").WithCause(err)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	val, err := toJSONValue(vars)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize variables").WithCause(err)
	}
	if err := compiled.Validate(val); err != nil {
		return toEngineError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if s, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("rowscript://variables/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = s
	return s, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, as the validator expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError flattens a jsonschema.ValidationError into one
// VALIDATION_ERROR listing every leaf violation.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, c := range verr.Causes {
		out = append(out, collectViolations(c)...)
	}
	return out
}
