package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rowscript/pkg/schema"
)

func snippetDoc() map[string]any {
	return map[string]any{
		"id":            "snippet-1",
		"kind":          "java_snippet",
		"expression":    `return $A$ * 2;`,
		"return_type":   "Integer",
		"output_column": "doubled",
	}
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v.nodeSchema)
}

func TestValidateNode_Nil(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateNode(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))
	assert.Contains(t, err.Error(), "empty")
}

func TestValidateNode_ValidKinds(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	docs := map[string]map[string]any{
		"snippet": snippetDoc(),
		"string manipulation replace": {
			"id": "sm", "kind": "string_manipulation", "expression": `upperCase($B$)`,
			"replace_column": "B", "insert_missing_as_null": true,
		},
		"multi column": {
			"id": "mc", "kind": "multi_column_string_manipulation", "expression": `strip($$CURRENTCOLUMN$$)`,
			"columns": []any{"B", "C"}, "replace": false, "suffix": "_clean",
		},
		"rule engine": {
			"id": "re", "kind": "rule_engine", "expression": "$A$ > 1 => \"big\"\nTRUE => \"small\"",
			"output_column": "size", "abort_policy": "row",
		},
		"variable": {
			"id": "var", "kind": "rule_engine_variable", "expression": `$${Ilimit}$$ > 3 => "high"`,
			"output_variable": "level", "variables": map[string]any{"limit": 5},
		},
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, v.ValidateNode(doc))
		})
	}
}

func TestValidateNode_StructuralErrors(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	cases := map[string]func(map[string]any){
		"missing id":         func(d map[string]any) { delete(d, "id") },
		"unknown kind":       func(d map[string]any) { d["kind"] = "python_script" },
		"empty expression":   func(d map[string]any) { d["expression"] = "" },
		"unknown property":   func(d map[string]any) { d["timeout"] = "5s" },
		"no output target":   func(d map[string]any) { delete(d, "output_column") },
		"both targets":       func(d map[string]any) { d["replace_column"] = "A" },
		"bad abort policy":   func(d map[string]any) { d["abort_policy"] = "node" },
		"variable not value": func(d map[string]any) { d["variables"] = map[string]any{"x": []any{1}} },
		"multi without columns": func(d map[string]any) {
			d["kind"] = "multi_column_string_manipulation"
			delete(d, "output_column")
		},
		"variable without output": func(d map[string]any) {
			d["kind"] = "string_manipulation_variable"
			delete(d, "output_column")
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			doc := snippetDoc()
			mutate(doc)
			err := v.ValidateNode(doc)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))
		})
	}
}

func TestValidateNode_ViolationDetails(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	doc := snippetDoc()
	doc["kind"] = 7
	err = v.ValidateNode(doc)
	require.Error(t, err)

	ee, ok := err.(*schema.EngineError)
	require.True(t, ok)
	violations, ok := ee.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
	assert.Contains(t, violations[0], "/kind")
}

func TestValidateVariables(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	varSchema := []byte(`{
		"type": "object",
		"required": ["limit"],
		"properties": { "limit": { "type": "integer", "minimum": 0 } }
	}`)

	assert.NoError(t, v.ValidateVariables(map[string]any{"limit": 3}, varSchema))
	assert.NoError(t, v.ValidateVariables(map[string]any{"limit": 3}, nil))

	err = v.ValidateVariables(map[string]any{"limit": -1}, varSchema)
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))
	err = v.ValidateVariables(nil, varSchema)
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))

	err = v.ValidateVariables(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid variable schema")
}

func TestValidateVariables_ConcurrentCompile(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	varSchema := []byte(`{"type": "object", "properties": {"name": {"type": "string"}}}`)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateVariables(map[string]any{"name": "x"}, varSchema))
		}()
	}
	wg.Wait()
	assert.Len(t, v.cache, 1)
}
