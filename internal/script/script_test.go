package script

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

var (
	colA   = fields.ColumnField("A")
	colB   = fields.ColumnField("B")
	inputs = []synth.Available{
		{Input: colA, Class: fields.ClassInteger},
		{Input: colB, Class: fields.ClassString},
		{Input: fields.RowIndexField, Class: fields.ClassInteger},
	}
)

func snippetRequest(text string, ret fields.Class) synth.Request {
	return synth.Request{
		Dialect:    synth.DialectSnippet,
		Text:       text,
		ReturnType: ret,
		Available:  inputs,
	}
}

func TestExpression_ScalarString(t *testing.T) {
	expr, err := Compile(artifact.NewCache(t.TempDir()), snippetRequest(`return "Test";`, fields.ClassString))
	require.NoError(t, err)
	defer expr.Close()

	inst, err := expr.NewInstance()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, inst.Set(nil))
		out, err := inst.Evaluate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Test", out)
	}
}

func TestExpression_FieldMap(t *testing.T) {
	expr, err := Compile(artifact.NewCache(t.TempDir()), snippetRequest(`return $A$ + $$ROWINDEX$$;`, fields.ClassInteger))
	require.NoError(t, err)
	defer expr.Close()

	assert.True(t, expr.NeedsInputField(colA))
	assert.True(t, expr.NeedsInputField(fields.RowIndexField))
	assert.False(t, expr.NeedsInputField(colB))

	fm := expr.FieldMap()
	require.Len(t, fm, 2)
	assert.Equal(t, "col_A", fm[colA].Name)
	assert.Equal(t, fields.ClassInteger, fm[colA].Class)
	assert.NotEmpty(t, expr.ID())
}

func TestInstance_BindingRoundTrip(t *testing.T) {
	expr, err := Compile(artifact.NewCache(t.TempDir()), snippetRequest(`return $B$ + ":" + ($A$ + $$ROWINDEX$$);`, fields.ClassString))
	require.NoError(t, err)
	defer expr.Close()

	inst, err := expr.NewInstance()
	require.NoError(t, err)
	require.NoError(t, inst.Set(map[fields.InputField]any{
		colA:                 int32(40),
		colB:                 "x",
		fields.RowIndexField: int32(2),
		fields.ColumnField("unused"): "ignored",
	}))
	out, err := inst.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x:42", out)
}

func TestInstance_IllegalProperty(t *testing.T) {
	expr, err := Compile(artifact.NewCache(t.TempDir()), snippetRequest(`return $A$;`, fields.ClassInteger))
	require.NoError(t, err)
	defer expr.Close()
	inst, err := expr.NewInstance()
	require.NoError(t, err)

	t.Run("evaluate before set", func(t *testing.T) {
		_, err := inst.Evaluate(context.Background())
		assert.True(t, schema.IsIllegalProperty(err))
	})
	t.Run("missing required field", func(t *testing.T) {
		err := inst.Set(map[fields.InputField]any{})
		assert.True(t, schema.IsIllegalProperty(err))
		_, err = inst.Evaluate(context.Background())
		assert.True(t, schema.IsIllegalProperty(err), "a failed set leaves the instance unbound")
	})
	t.Run("incompatible value", func(t *testing.T) {
		err := inst.Set(map[fields.InputField]any{colA: "seven"})
		assert.True(t, schema.IsIllegalProperty(err))
	})
	t.Run("overflowing value", func(t *testing.T) {
		err := inst.Set(map[fields.InputField]any{colA: int64(1) << 40})
		assert.True(t, schema.IsIllegalProperty(err))
	})
}

func TestInstance_NullableAcceptsMissing(t *testing.T) {
	req := snippetRequest(`return $A$ == null ? -1 : $A$;`, fields.ClassInteger)
	req.Nullable = true
	expr, err := Compile(artifact.NewCache(t.TempDir()), req)
	require.NoError(t, err)
	defer expr.Close()

	inst, err := expr.NewInstance()
	require.NoError(t, err)
	require.NoError(t, inst.Set(map[fields.InputField]any{}))
	out, err := inst.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(-1), out)
}

func TestInstance_ResultConversion(t *testing.T) {
	cache := artifact.NewCache(t.TempDir())

	cases := []struct {
		name  string
		text  string
		ret   fields.Class
		array bool
		want  any
	}{
		{"integer", "return 3;", fields.ClassInteger, false, int32(3)},
		{"long", "return 3;", fields.ClassLong, false, int64(3)},
		{"double from integral", "return 3;", fields.ClassDouble, false, float64(3)},
		{"double", "return 1.5;", fields.ClassDouble, false, 1.5},
		{"boolean", "return 1 < 2;", fields.ClassBoolean, false, true},
		{"string array", `return ["a", null, "c"];`, fields.ClassString, true, []any{"a", nil, "c"}},
		{"null", "return null;", fields.ClassString, false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := snippetRequest(tc.text, tc.ret)
			req.ReturnArray = tc.array
			expr, err := Compile(cache, req)
			require.NoError(t, err)
			defer expr.Close()
			inst, err := expr.NewInstance()
			require.NoError(t, err)
			require.NoError(t, inst.Set(nil))
			out, err := inst.Evaluate(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestInstance_ResultTypeMismatch(t *testing.T) {
	expr, err := Compile(artifact.NewCache(t.TempDir()), snippetRequest(`return "text";`, fields.ClassInteger))
	require.NoError(t, err)
	defer expr.Close()
	inst, err := expr.NewInstance()
	require.NoError(t, err)
	require.NoError(t, inst.Set(nil))
	_, err = inst.Evaluate(context.Background())
	assert.True(t, schema.IsEvaluationFailed(err))
}

func TestInstance_AbortIsNotEvaluationFailure(t *testing.T) {
	expr, err := Compile(artifact.NewCache(t.TempDir()), snippetRequest(`abort("stop here");`, fields.ClassString))
	require.NoError(t, err)
	defer expr.Close()
	inst, err := expr.NewInstance()
	require.NoError(t, err)
	require.NoError(t, inst.Set(nil))

	_, err = inst.Evaluate(context.Background())
	require.Error(t, err)
	assert.True(t, schema.IsAbort(err))
	assert.False(t, schema.IsEvaluationFailed(err))
}

func TestCompile_FailureCarriesDiagnostics(t *testing.T) {
	_, err := Compile(artifact.NewCache(t.TempDir()), snippetRequest(`return (;`, fields.ClassString))
	require.Error(t, err)
	assert.True(t, schema.IsCompilationFailed(err))
	assert.NotEmpty(t, schema.Diagnostics(err))
}

func TestExpression_LogsToCacheLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cache := artifact.NewCache(t.TempDir(), artifact.WithLogger(logger))

	e, err := Compile(cache, snippetRequest(`return 1;`, fields.ClassInteger))
	require.NoError(t, err)
	e.Close()

	assert.Contains(t, buf.String(), "expression closed")
	assert.Contains(t, buf.String(), "expression_id="+e.ID())
}

func TestExpression_CloseIsIdempotent(t *testing.T) {
	cache := artifact.NewCache(t.TempDir())
	e1, err := Compile(cache, snippetRequest(`return 1;`, fields.ClassInteger))
	require.NoError(t, err)
	e2, err := Compile(cache, snippetRequest(`return 1;`, fields.ClassInteger))
	require.NoError(t, err)
	require.Equal(t, e1.Dir(), e2.Dir())

	e1.Close()
	e1.Close()
	assert.DirExists(t, e2.Dir(), "the other expression still shares the directory")

	inst, err := e2.NewInstance()
	require.NoError(t, err)
	require.NoError(t, inst.Set(nil))
	out, err := inst.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), out)

	e2.Close()
	assert.NoDirExists(t, e2.Dir())
}

func TestSettings_RotatesDirectory(t *testing.T) {
	cache := artifact.NewCache(t.TempDir())
	s := NewSettings(cache)
	defer s.Close()

	require.NoError(t, s.SetInputAndCompile(snippetRequest(`return "A";`, fields.ClassString)))
	dirA := s.Dir()
	require.DirExists(t, dirA)

	require.NoError(t, s.SetInputAndCompile(snippetRequest(`return "B";`, fields.ClassString)))
	dirB := s.Dir()
	assert.NotEqual(t, dirA, dirB)
	assert.NoDirExists(t, dirA)
	assert.DirExists(t, dirB)

	expr, err := s.CompiledExpression()
	require.NoError(t, err)
	defer expr.Close()
	assert.Equal(t, dirB, expr.Dir())
	inst, err := expr.NewInstance()
	require.NoError(t, err)
	require.NoError(t, inst.Set(nil))
	out, err := inst.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "B", out)
}

func TestSettings_FailedCompileKeepsPrevious(t *testing.T) {
	s := NewSettings(artifact.NewCache(t.TempDir()))
	defer s.Close()

	require.NoError(t, s.SetInputAndCompile(snippetRequest(`return "A";`, fields.ClassString)))
	dirA := s.Dir()

	err := s.SetInputAndCompile(snippetRequest(`return (;`, fields.ClassString))
	assert.True(t, schema.IsCompilationFailed(err))
	assert.Equal(t, dirA, s.Dir())
	assert.DirExists(t, dirA)
	assert.Equal(t, `return "A";`, s.Request().Text)
}

func TestSettings_CloseReleasesOnlyLastReference(t *testing.T) {
	s := NewSettings(artifact.NewCache(t.TempDir()))
	require.NoError(t, s.SetInputAndCompile(snippetRequest(`return 2;`, fields.ClassInteger)))

	expr, err := s.CompiledExpression()
	require.NoError(t, err)
	dir := expr.Dir()

	s.Close()
	s.Close()
	assert.DirExists(t, dir)
	expr.Close()
	assert.NoDirExists(t, dir)

	_, err = s.CompiledExpression()
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))
}

func TestSettings_PartialDeletion(t *testing.T) {
	s := NewSettings(artifact.NewCache(t.TempDir()))
	defer s.Close()
	require.NoError(t, s.SetInputAndCompile(snippetRequest(`return "Test";`, fields.ClassString)))

	expr, err := s.CompiledExpression()
	require.NoError(t, err)
	defer expr.Close()
	inst, err := expr.NewInstance()
	require.NoError(t, err)
	require.NoError(t, inst.Set(nil))
	_, err = inst.Evaluate(context.Background())
	require.NoError(t, err)

	ents, err := os.ReadDir(expr.Dir())
	require.NoError(t, err)
	require.NotEmpty(t, ents)
	require.NoError(t, os.Remove(filepath.Join(expr.Dir(), ents[0].Name())))

	out, err := inst.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Test", out)

	again, err := s.CompiledExpression()
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, expr.Dir(), again.Dir())

	require.NoError(t, os.RemoveAll(expr.Dir()))
	fresh, err := s.CompiledExpression()
	require.NoError(t, err, "a vanished directory is recompiled")
	defer fresh.Close()
	assert.NotEqual(t, expr.Dir(), fresh.Dir())
	assert.DirExists(t, fresh.Dir())
}
