package nodes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/calculator"
	"github.com/rendis/rowscript/internal/engine"
	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

func people() *table.Table {
	spec := table.NewSpec(
		table.ColumnSpec{Name: "name", Type: table.StringType},
		table.ColumnSpec{Name: "age", Type: table.IntType},
		table.ColumnSpec{Name: "city", Type: table.StringType},
	)
	return &table.Table{Spec: spec, Rows: []table.Row{
		{Key: "Row0", Cells: []table.Cell{table.StringCell("ada"), table.IntCell(36), table.StringCell(" london ")}},
		{Key: "Row1", Cells: []table.Cell{table.StringCell("alan"), table.IntCell(12), table.Missing()}},
		{Key: "Row2", Cells: []table.Cell{table.StringCell("grace"), table.IntCell(85), table.StringCell("nyc")}},
	}}
}

func mustParse(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	return def
}

func run(t *testing.T, def *Definition, in *table.Table, opts ExecOptions) *Result {
	t.Helper()
	n := New(def, WithCache(artifact.NewCache(t.TempDir())))
	defer n.Close()
	res, err := n.Execute(context.Background(), in, opts)
	require.NoError(t, err)
	return res
}

func column(tbl *table.Table, name string) []any {
	idx := tbl.Spec.FindColumnIndex(name)
	out := make([]any, len(tbl.Rows))
	for i, r := range tbl.Rows {
		out[i] = r.Cell(idx).Value()
	}
	return out
}

func TestParse_YAMLAndJSON(t *testing.T) {
	y := mustParse(t, `
id: greet
kind: string_manipulation
expression: join("hi ", $name$)
output_column: greeting
`)
	assert.Equal(t, KindStringManipulation, y.Kind)
	assert.Equal(t, synth.DialectExpression, y.Kind.Dialect())

	j := mustParse(t, `{"id": "r", "kind": "rule_engine_variable", "expression": "TRUE => 1", "output_variable": "one"}`)
	assert.Equal(t, KindRuleEngineVar, j.Kind)
	assert.True(t, j.Kind.ProducesVariable())
	assert.Equal(t, synth.DialectRule, j.Kind.Dialect())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("id: [unclosed"), nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))

	_, err = Parse([]byte("id: x\nkind: java_snippet\nexpression: return 1;\n"), nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err), "no output target")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: s\nkind: java_snippet\nexpression: return \"Test\";\noutput_column: out\n"), 0o644))

	def, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "s", def.ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Equal(t, schema.ErrCodeNotFound, schema.Code(err))
}

func TestExecute_JavaSnippet(t *testing.T) {
	def := mustParse(t, `
id: snippet
kind: java_snippet
expression: |
  if ($age$ > 80) { return "senior " + $name$; }
  return $name$ + "@" + $$ROWINDEX$$;
return_type: String
output_column: label
`)
	res := run(t, def, people(), ExecOptions{})
	assert.Equal(t, []string{"name", "age", "city", "label"}, res.Table.Spec.Names())
	assert.Equal(t, []any{"ada@0", "alan@1", "senior grace"}, column(res.Table, "label"))
}

func TestExecute_CommentsAndRegexLiterals(t *testing.T) {
	t.Run("snippet", func(t *testing.T) {
		def := mustParse(t, `
id: starts
kind: java_snippet
expression: |
  // it's the name that matters
  /* $city$ isn't read */
  return /^a[a-z]+$/.test($name$);
return_type: Boolean
output_column: starts
`)
		res := run(t, def, people(), ExecOptions{})
		assert.Equal(t, []any{true, true, false}, column(res.Table, "starts"))
	})

	t.Run("rule", func(t *testing.T) {
		def := mustParse(t, `
id: tier
kind: rule_engine
expression: |
  // customer's rule
  $age$ > 80 => "senior"
  TRUE => "other"
output_column: tier
`)
		res := run(t, def, people(), ExecOptions{})
		assert.Equal(t, []any{"other", "other", "senior"}, column(res.Table, "tier"))
	})
}

func TestExecute_StringManipulationReplace(t *testing.T) {
	def := mustParse(t, `
id: clean
kind: string_manipulation
expression: upperCase(strip($city$))
replace_column: city
`)
	warnings := &calculator.CollectWarnings{}
	res := run(t, def, people(), ExecOptions{Warnings: warnings})
	assert.Equal(t, []string{"name", "age", "city"}, res.Table.Spec.Names())
	assert.Equal(t, []any{"LONDON", nil, "NYC"}, column(res.Table, "city"))
	require.Len(t, warnings.Warnings(), 1)
	assert.Equal(t, calculator.WarnMissingInput, warnings.Warnings()[0].Category)
}

func TestExecute_RuleEngineGuessesType(t *testing.T) {
	def := mustParse(t, `
id: rules
kind: rule_engine
expression: |
  // age groups
  $age$ < 18 => 1
  $age$ > 80 => 3
  TRUE => 2
output_column: group
`)
	n := New(def, WithCache(artifact.NewCache(t.TempDir())))
	defer n.Close()

	cfg, err := n.Configure(people().Spec, nil)
	require.NoError(t, err)
	assert.Equal(t, fields.ClassInteger, cfg.ReturnType)
	assert.Equal(t, table.IntType, cfg.OutputSpec.Column(3).Type)

	res, err := n.Execute(context.Background(), people(), ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{int32(2), int32(1), int32(3)}, column(res.Table, "group"))
}

func TestExecute_MultiColumn(t *testing.T) {
	def := mustParse(t, `
id: multi
kind: multi_column_string_manipulation
expression: capitalize($$CURRENTCOLUMN$$)
columns: [name, city]
`)
	res := run(t, def, people(), ExecOptions{})
	assert.Equal(t, []string{"name", "age", "city", "name_transformed", "city_transformed"}, res.Table.Spec.Names())
	assert.Equal(t, []any{"Ada", "Alan", "Grace"}, column(res.Table, "name_transformed"))
	assert.Nil(t, column(res.Table, "city_transformed")[1])
}

func TestExecute_MultiColumnReusesConfiguredUnits(t *testing.T) {
	cache := artifact.NewCache(t.TempDir())
	def := mustParse(t, `
id: multi
kind: multi_column_string_manipulation
expression: join($$CURRENTCOLUMN$$, "!")
columns: [name, age, city]
`)
	n := New(def, WithCache(cache))

	cfg, err := n.Configure(people().Spec, nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Fingerprints, 2, "one unit per iterated column class")
	assert.Equal(t, int64(2), cache.Stats().Compilations)
	assert.Equal(t, 2, cache.Stats().Live)

	res, err := n.Execute(context.Background(), people(), ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"36!", "12!", "85!"}, column(res.Table, "age_transformed"))
	assert.Equal(t, int64(2), cache.Stats().Compilations)

	pool := engine.NewWorkerPool(2)
	defer pool.Shutdown()
	_, err = n.Execute(context.Background(), people(), ExecOptions{Pool: pool, Partitions: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), cache.Stats().Compilations)
	assert.Equal(t, 2, cache.Stats().Live)

	n.Close()
	assert.Equal(t, 0, cache.Stats().Live)
}

func TestExecute_Variables(t *testing.T) {
	def := mustParse(t, `
id: var
kind: string_manipulation_variable
expression: join($${Sprefix}$$, "-", $${Iversion}$$)
output_variable: tag
variables:
  prefix: build
  version: 1
`)
	res := run(t, def, nil, ExecOptions{Variables: calculator.FlowVariables{"version": 7}})
	assert.Nil(t, res.Table)
	assert.Equal(t, "tag", res.Variable)
	assert.Equal(t, "build-7", res.VariableValue)
	assert.Equal(t, fields.ClassString, res.VariableClass)
}

func TestExecute_RuleVariable(t *testing.T) {
	def := mustParse(t, `
id: level
kind: rule_engine_variable
expression: |
  $${Ilimit}$$ > 3 => "high"
  TRUE => "low"
output_variable: level
`)
	res := run(t, def, nil, ExecOptions{Variables: calculator.FlowVariables{"limit": 5}})
	assert.Equal(t, "high", res.VariableValue)
}

func TestExecute_Partitioned(t *testing.T) {
	in := &table.Table{Spec: table.NewSpec(table.ColumnSpec{Name: "n", Type: table.IntType})}
	for i := 0; i < 25; i++ {
		in.Rows = append(in.Rows, table.Row{Key: "r", Cells: []table.Cell{table.IntCell(int32(i))}})
	}
	def := mustParse(t, `
id: part
kind: java_snippet
expression: $$ROWINDEX$$ - $n$ + $$ROWCOUNT$$
expression_form: true
return_type: Integer
output_column: check
`)
	pool := engine.NewWorkerPool(4)
	defer pool.Shutdown()

	res := run(t, def, in, ExecOptions{Pool: pool, Partitions: 4})
	for _, v := range column(res.Table, "check") {
		assert.Equal(t, int32(25), v)
	}
}

func TestExecute_CompileErrorSurfaces(t *testing.T) {
	def := mustParse(t, `
id: broken
kind: string_manipulation
expression: noSuchFunction($name$)
output_column: out
`)
	n := New(def, WithCache(artifact.NewCache(t.TempDir())))
	defer n.Close()
	_, err := n.Execute(context.Background(), people(), ExecOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCompilationFailed(err))
}

func TestExecute_AbortStops(t *testing.T) {
	def := mustParse(t, `
id: guard
kind: java_snippet
expression: |
  if ($age$ < 18) { abort("minor found: " + $name$); }
  return $name$;
output_column: adult
`)
	n := New(def, WithCache(artifact.NewCache(t.TempDir())))
	defer n.Close()
	_, err := n.Execute(context.Background(), people(), ExecOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecutionStopped, schema.Code(err))
	assert.Contains(t, err.Error(), "minor found: alan")
}

func TestNode_ReconfigureRotatesUnit(t *testing.T) {
	cache := artifact.NewCache(t.TempDir())
	def := mustParse(t, `
id: rot
kind: java_snippet
expression: return $name$;
output_column: out
`)
	n := New(def, WithCache(cache))

	_, err := n.Configure(people().Spec, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Stats().Live)

	other := table.NewSpec(table.ColumnSpec{Name: "name", Type: table.StringType})
	_, err = n.Configure(other, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Stats().Live, "the previous unit is released")

	n.Close()
	assert.Equal(t, 0, cache.Stats().Live)
}
