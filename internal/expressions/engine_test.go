package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

func unit(t *testing.T, d synth.Dialect, text string, form bool, avail ...synth.Available) *synth.Unit {
	t.Helper()
	u, err := synth.Synthesize(synth.Request{
		Dialect:        d,
		Text:           text,
		ExpressionForm: form,
		Available:      avail,
		Nullable:       true,
	})
	require.NoError(t, err)
	return u
}

func frame(t *testing.T, u *synth.Unit, opts Options) Frame {
	t.Helper()
	tc, err := Default().For(u.Dialect)
	require.NoError(t, err)
	prg, err := tc.Compile(u, opts)
	require.NoError(t, err)
	f, err := prg.NewFrame()
	require.NoError(t, err)
	return f
}

var (
	colA = synth.Available{Input: fields.ColumnField("A"), Class: fields.ClassInteger}
	colB = synth.Available{Input: fields.ColumnField("B"), Class: fields.ClassString}
)

func TestToolchains_Versions(t *testing.T) {
	for _, d := range []synth.Dialect{synth.DialectSnippet, synth.DialectExpression, synth.DialectRule} {
		tc, err := Default().For(d)
		require.NoError(t, err)
		assert.Equal(t, d, tc.Dialect())
		assert.Contains(t, tc.Version(), "@")
	}

	_, err := NewToolchains().For(synth.DialectRule)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.Code(err))
}

func TestGoja_ScalarReturn(t *testing.T) {
	f := frame(t, unit(t, synth.DialectSnippet, `return "Test";`, false), Options{})
	out, err := f.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Test", out)
}

func TestGoja_BindingsAndManipulators(t *testing.T) {
	f := frame(t, unit(t, synth.DialectSnippet, `upperCase($B$) + ($A$ * 2)`, true, colA, colB), Options{})

	out, err := f.Run(context.Background(), map[string]any{"col_A": int32(21), "col_B": "x"})
	require.NoError(t, err)
	assert.Equal(t, "X42", out)

	out, err = f.Run(context.Background(), map[string]any{"col_A": int32(1), "col_B": "y"})
	require.NoError(t, err)
	assert.Equal(t, "Y2", out, "frames rebind on every run")
}

func TestGoja_LibraryScripts(t *testing.T) {
	opts := Options{Scripts: []Script{{Name: "lib.js", Source: "function twice(x) { return x * 2; }"}}}
	f := frame(t, unit(t, synth.DialectSnippet, `twice($A$)`, true, colA), opts)
	out, err := f.Run(context.Background(), map[string]any{"col_A": int32(4)})
	require.NoError(t, err)
	assert.EqualValues(t, 8, out)
}

func TestGoja_AbortIsDistinct(t *testing.T) {
	f := frame(t, unit(t, synth.DialectSnippet, `if ($A$ > 1) { abort("too big"); } return 1;`, false, colA), Options{})

	_, err := f.Run(context.Background(), map[string]any{"col_A": int32(2)})
	require.Error(t, err)
	assert.True(t, schema.IsAbort(err))
	assert.False(t, schema.IsEvaluationFailed(err))
	assert.Contains(t, err.Error(), "too big")

	out, err := f.Run(context.Background(), map[string]any{"col_A": int32(0)})
	require.NoError(t, err, "abort state is reset per run")
	assert.EqualValues(t, 1, out)
}

func TestGoja_ThrowIsEvaluationFailed(t *testing.T) {
	f := frame(t, unit(t, synth.DialectSnippet, `throw new Error("bad row");`, false), Options{})
	_, err := f.Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, schema.IsEvaluationFailed(err))
	assert.Contains(t, err.Error(), "bad row")
}

func TestGoja_CompileError(t *testing.T) {
	u := unit(t, synth.DialectSnippet, `return (;`, false)
	tc, _ := Default().For(synth.DialectSnippet)
	_, err := tc.Compile(u, Options{})
	require.Error(t, err)
	assert.True(t, schema.IsCompilationFailed(err))
	assert.NotEmpty(t, schema.Diagnostics(err))
}

func TestGoja_Cancellation(t *testing.T) {
	f := frame(t, unit(t, synth.DialectSnippet, `while (true) {}`, false), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Run(ctx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGoja_FramesAreIndependent(t *testing.T) {
	u := unit(t, synth.DialectSnippet, `return $A$ + 1;`, false, colA)
	tc, _ := Default().For(synth.DialectSnippet)
	prg, err := tc.Compile(u, Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := prg.NewFrame()
			if !assert.NoError(t, err) {
				return
			}
			for n := 0; n < 50; n++ {
				out, err := f.Run(context.Background(), map[string]any{"col_A": int32(i)})
				assert.NoError(t, err)
				assert.EqualValues(t, i+1, out)
			}
		}(i)
	}
	wg.Wait()
}

func TestExpr_Manipulators(t *testing.T) {
	f := frame(t, unit(t, synth.DialectExpression, `join(upperCase($B$), "-", $B$)`, false, colB), Options{})
	out, err := f.Run(context.Background(), map[string]any{"col_B": "ab"})
	require.NoError(t, err)
	assert.Equal(t, "AB-ab", out)
}

func TestExpr_NullArgument(t *testing.T) {
	f := frame(t, unit(t, synth.DialectExpression, `upperCase($B$)`, false, colB), Options{})
	out, err := f.Run(context.Background(), map[string]any{"col_B": nil})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExpr_Arithmetic(t *testing.T) {
	f := frame(t, unit(t, synth.DialectExpression, `$A$ * 2`, false, colA), Options{})
	out, err := f.Run(context.Background(), map[string]any{"col_A": int32(4)})
	require.NoError(t, err)
	assert.EqualValues(t, 8, out)
}

func TestExpr_CompileErrors(t *testing.T) {
	tc, _ := Default().For(synth.DialectExpression)
	for name, text := range map[string]string{
		"unknown function": `nope($B$)`,
		"wrong arity":      `upperCase($B$, $B$)`,
		"syntax":           `upperCase(`,
		"builtin disabled": `len($B$)`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tc.Compile(unit(t, synth.DialectExpression, text, false, colB), Options{})
			require.Error(t, err)
			assert.True(t, schema.IsCompilationFailed(err))
		})
	}
}

func TestExpr_Abort(t *testing.T) {
	f := frame(t, unit(t, synth.DialectExpression, `abort("stop " + $B$)`, false, colB), Options{})
	_, err := f.Run(context.Background(), map[string]any{"col_B": "now"})
	require.Error(t, err)
	assert.True(t, schema.IsAbort(err))
	assert.False(t, schema.IsEvaluationFailed(err))
	assert.Contains(t, err.Error(), "stop now")
}

func TestExpr_EvaluationFailed(t *testing.T) {
	f := frame(t, unit(t, synth.DialectExpression, `toInt($B$)`, false, colB), Options{})
	_, err := f.Run(context.Background(), map[string]any{"col_B": "x"})
	require.Error(t, err)
	assert.True(t, schema.IsEvaluationFailed(err))
}

func TestCEL_Rules(t *testing.T) {
	text := "$A$ > 5 => \"big\"\nMISSING $A$ => \"none\"\n$B$ LIKE \"a*\" => \"a-word\"\nTRUE => \"other\""
	f := frame(t, unit(t, synth.DialectRule, text, false, colA, colB), Options{})

	cases := []struct {
		a    any
		b    any
		want any
	}{
		{int32(6), "x", "big"},
		{nil, "x", "none"},
		{int32(1), "abc", "a-word"},
		{int32(1), "x", "other"},
		{int32(1), nil, "other"},
	}
	for _, tc := range cases {
		out, err := f.Run(context.Background(), map[string]any{"col_A": tc.a, "col_B": tc.b})
		require.NoError(t, err)
		assert.Equal(t, tc.want, out)
	}
}

func TestCEL_NoMatchIsNull(t *testing.T) {
	f := frame(t, unit(t, synth.DialectRule, `$A$ > 5 => 1`, false, colA), Options{})
	out, err := f.Run(context.Background(), map[string]any{"col_A": int32(1)})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = f.Run(context.Background(), map[string]any{"col_A": int32(9)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out)
}

func TestCEL_CrossTypeComparison(t *testing.T) {
	f := frame(t, unit(t, synth.DialectRule, `$A$ >= 2.5 => TRUE`, false, colA), Options{})
	out, err := f.Run(context.Background(), map[string]any{"col_A": int32(3)})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_CompileError(t *testing.T) {
	tc, _ := Default().For(synth.DialectRule)
	_, err := tc.Compile(unit(t, synth.DialectRule, `$A$ > 5 => noSuchFunction($A$)`, false, colA), Options{})
	require.Error(t, err)
	assert.True(t, schema.IsCompilationFailed(err))
}
