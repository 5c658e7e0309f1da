package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/calculator"
	"github.com/rendis/rowscript/internal/engine"
	"github.com/rendis/rowscript/pkg/schema"
)

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

const peopleCSV = "name,age\nada,36\nalan,\ngrace,85\n"

func greeting() map[string]any {
	return map[string]any{
		"id":            "greet",
		"kind":          "string_manipulation",
		"expression":    `join("hi ", $name$)`,
		"output_column": "greeting",
	}
}

// --- Validate ---

func TestValidateTool(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleValidate(context.Background(), buildRequest("rowscript.validate", map[string]any{
		"definition": greeting(),
		"columns":    map[string]any{"name": "String", "age": "Integer"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp validateResponse
	unmarshalResult(t, result, &resp)
	assert.True(t, resp.Valid)
	assert.Equal(t, "String", resp.ReturnType)
	require.Len(t, resp.Fingerprints, 1)
	assert.Equal(t, []columnInfo{
		{Name: "age", Type: "Integer"},
		{Name: "name", Type: "String"},
		{Name: "greeting", Type: "String"},
	}, resp.OutputSpec)
}

func TestValidateToolStructuralErrors(t *testing.T) {
	s := newTestServer(t)

	def := greeting()
	delete(def, "output_column")
	def["bogus"] = true

	result, err := s.handleValidate(context.Background(), buildRequest("rowscript.validate", map[string]any{
		"definition": def,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp validateResponse
	unmarshalResult(t, result, &resp)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Errors)
	assert.Empty(t, resp.Fingerprints)
}

func TestValidateToolCompileError(t *testing.T) {
	s := newTestServer(t)

	def := greeting()
	def["expression"] = `join("hi ", $missing$)`

	result, err := s.handleValidate(context.Background(), buildRequest("rowscript.validate", map[string]any{
		"definition": def,
		"columns":    map[string]any{"name": "String"},
	}))
	require.NoError(t, err)

	var resp validateResponse
	unmarshalResult(t, result, &resp)
	assert.False(t, resp.Valid)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "expression", resp.Errors[0].Path)
	assert.Contains(t, resp.Errors[0].Message, "missing")
}

func TestValidateToolBadArguments(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"no definition", map[string]any{}},
		{"bad column type", map[string]any{"definition": greeting(), "columns": map[string]any{"name": "Banana"}}},
		{"bad variable", map[string]any{"definition": greeting(), "variables": map[string]any{"v": true}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleValidate(context.Background(), buildRequest("rowscript.validate", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

// --- Evaluate ---

func TestEvaluateTool(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleEvaluate(context.Background(), buildRequest("rowscript.evaluate", map[string]any{
		"definition": greeting(),
		"csv":        peopleCSV,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp evaluateResponse
	unmarshalResult(t, result, &resp)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, []columnInfo{
		{Name: "name", Type: "String"},
		{Name: "age", Type: "Integer"},
		{Name: "greeting", Type: "String"},
	}, resp.Columns)
	require.Len(t, resp.Rows, 3)
	assert.Equal(t, "Row0", resp.Rows[0].Key)
	assert.Equal(t, "hi ada", resp.Rows[0].Values[2])
	assert.Equal(t, "hi alan", resp.Rows[1].Values[2])
	assert.Nil(t, resp.Rows[1].Values[1])
	assert.Empty(t, resp.Warnings)
}

func TestEvaluateToolCSVAndWarnings(t *testing.T) {
	s := newTestServer(t)

	def := map[string]any{
		"id":              "older",
		"kind":            "java_snippet",
		"expression":      "$age$ + 1",
		"expression_form": true,
		"return_type":     "Integer",
		"output_column":   "next",
	}
	result, err := s.handleEvaluate(context.Background(), buildRequest("rowscript.evaluate", map[string]any{
		"definition": def,
		"csv":        peopleCSV,
		"format":     "csv",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp evaluateResponse
	unmarshalResult(t, result, &resp)
	assert.Empty(t, resp.Rows)
	lines := strings.Split(strings.TrimSpace(resp.CSV), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "name:String,age:Integer,next:Integer", lines[0])
	assert.Equal(t, "ada,36,37", lines[1])
	assert.Equal(t, "alan,,", lines[2])

	require.Len(t, resp.Warnings, 1)
	assert.Equal(t, calculator.WarnMissingInput, resp.Warnings[0].Category)
	assert.Equal(t, "Row1", resp.Warnings[0].RowKey)
}

func TestEvaluateToolVariable(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleEvaluate(context.Background(), buildRequest("rowscript.evaluate", map[string]any{
		"definition": map[string]any{
			"id":              "tag",
			"kind":            "string_manipulation_variable",
			"expression":      `join($${Sprefix}$$, "-", $${Ibuild}$$)`,
			"output_variable": "tag",
		},
		"variables": map[string]any{"prefix": "build", "build": 7},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp evaluateResponse
	unmarshalResult(t, result, &resp)
	require.NotNil(t, resp.Variable)
	assert.Equal(t, "tag", resp.Variable.Name)
	assert.Equal(t, "build-7", resp.Variable.Value)
	assert.Equal(t, "String", resp.Variable.Class)
}

func TestEvaluateToolPartitioned(t *testing.T) {
	pool := engine.NewWorkerPool(3)
	defer pool.Shutdown()

	s, err := NewServer(ServerDeps{Cache: artifact.NewCache(t.TempDir()), Pool: pool, Partitions: 3})
	require.NoError(t, err)

	var b strings.Builder
	b.WriteString("n\n")
	for i := 0; i < 20; i++ {
		b.WriteString("x\n")
	}
	def := map[string]any{
		"id":              "idx",
		"kind":            "java_snippet",
		"expression":      "$$ROWINDEX$$",
		"expression_form": true,
		"return_type":     "Integer",
		"output_column":   "i",
	}
	result, err := s.handleEvaluate(context.Background(), buildRequest("rowscript.evaluate", map[string]any{
		"definition": def,
		"csv":        b.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp evaluateResponse
	unmarshalResult(t, result, &resp)
	require.Len(t, resp.Rows, 20)
	for i, r := range resp.Rows {
		assert.EqualValues(t, i, r.Values[1])
	}
}

func TestEvaluateToolErrors(t *testing.T) {
	s := newTestServer(t)

	abort := map[string]any{
		"id":            "stop",
		"kind":          "java_snippet",
		"expression":    `if ($age$ > 80) { abort("too old: " + $name$); } return $name$;`,
		"output_column": "ok",
	}

	tests := []struct {
		name    string
		args    map[string]any
		message string
	}{
		{"no csv", map[string]any{"definition": greeting()}, "csv is required"},
		{"bad format", map[string]any{"definition": greeting(), "csv": peopleCSV, "format": "xml"}, "format"},
		{"bad csv", map[string]any{"definition": greeting(), "csv": "a,a\n1,2\n"}, "invalid csv"},
		{"invalid definition", map[string]any{"definition": map[string]any{"id": "x"}, "csv": peopleCSV}, schema.ErrCodeValidation},
		{"abort", map[string]any{"definition": abort, "csv": peopleCSV}, "too old: grace"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleEvaluate(context.Background(), buildRequest("rowscript.evaluate", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.message)
		})
	}
}

// --- Manipulators ---

func TestManipulatorsTool(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleManipulators(context.Background(), buildRequest("rowscript.manipulators", map[string]any{}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var all []manipulatorInfo
	unmarshalResult(t, result, &all)
	assert.Len(t, all, len(s.catalog.List("")))

	result, err = s.handleManipulators(context.Background(), buildRequest("rowscript.manipulators", map[string]any{
		"category": "Control",
	}))
	require.NoError(t, err)
	var control []manipulatorInfo
	unmarshalResult(t, result, &control)
	require.NotEmpty(t, control)
	for _, m := range control {
		assert.Equal(t, "Control", m.Category)
	}
	assert.Less(t, len(control), len(all))

	result, err = s.handleManipulators(context.Background(), buildRequest("rowscript.manipulators", map[string]any{
		"category": "Nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "unknown category")
}

// --- Helpers under test ---

func TestFlowVariables(t *testing.T) {
	vars, err := flowVariables(map[string]any{
		"s":   "x",
		"i":   float64(5),
		"d":   2.5,
		"big": float64(1 << 40),
		"n":   json.Number("12"),
	})
	require.NoError(t, err)
	assert.Equal(t, "x", vars["s"])
	assert.Equal(t, int32(5), vars["i"])
	assert.Equal(t, 2.5, vars["d"])
	assert.Equal(t, float64(1<<40), vars["big"])
	assert.Equal(t, int32(12), vars["n"])

	_, err = flowVariables(map[string]any{"b": false})
	assert.Error(t, err)
}

func TestWarningNotifierWithoutSession(t *testing.T) {
	s := newTestServer(t)
	n := NewWarningNotifier(s.mcpServer, s.logger)
	assert.NotPanics(t, func() {
		n.Warn(context.Background(), calculator.Warning{Category: calculator.WarnMissingInput, Message: "m"})
	})

	collected := &calculator.CollectWarnings{}
	teeWarnings{collected, n}.Warn(context.Background(), calculator.Warning{Message: "x"})
	assert.Len(t, collected.Warnings(), 1)
}
