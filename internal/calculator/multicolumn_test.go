package calculator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

func mixedTable() *table.Table {
	spec := table.NewSpec(
		table.ColumnSpec{Name: "S", Type: table.StringType},
		table.ColumnSpec{Name: "I", Type: table.IntType},
		table.ColumnSpec{Name: "T", Type: table.StringType},
		table.ColumnSpec{Name: "Flag", Type: table.BooleanType},
	)
	return &table.Table{Spec: spec, Rows: []table.Row{
		{Key: "Row0", Cells: []table.Cell{table.StringCell("a"), table.IntCell(1), table.StringCell("x"), table.BoolCell(true)}},
		{Key: "Row1", Cells: []table.Cell{table.Missing(), table.IntCell(2), table.StringCell("y"), table.BoolCell(false)}},
		{Key: "Row2", Cells: []table.Cell{table.StringCell("c"), table.IntCell(3), table.Missing(), table.BoolCell(false)}},
	}}
}

func multiColumn(t *testing.T, cache *artifact.Cache, cfg MultiColumnConfig, in *table.Table, opts Options) *MultiColumnCalculator {
	t.Helper()
	conf, err := NewMultiColumnConfigurator(cfg, in.Spec, nil)
	require.NoError(t, err)
	calc, err := NewMultiColumnCalculator(cache, conf, opts)
	require.NoError(t, err)
	t.Cleanup(calc.Close)
	return calc
}

func TestMultiColumn_OneExpressionPerType(t *testing.T) {
	in := mixedTable()
	cache := artifact.NewCache(t.TempDir())

	same := multiColumn(t, cache, MultiColumnConfig{Expression: `join($$CURRENTCOLUMN$$, "!")`, Columns: []string{"S", "T"}}, in, Options{})
	assert.Equal(t, 1, same.Expressions())

	mixed := multiColumn(t, cache, MultiColumnConfig{Expression: `join($$CURRENTCOLUMN$$, "!")`, Columns: []string{"S", "I"}}, in, Options{})
	assert.Equal(t, 2, mixed.Expressions())

	cells, err := mixed.Cells(context.Background(), in.Rows[0])
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, "a!", cells[0].Value())
	assert.Equal(t, "1!", cells[1].Value())
}

func TestMultiColumn_CurrentColumnInsideStringIsLiteral(t *testing.T) {
	in := mixedTable()
	cache := artifact.NewCache(t.TempDir())
	calc := multiColumn(t, cache, MultiColumnConfig{
		Expression: `join($$CURRENTCOLUMN$$, " $$CURRENTCOLUMN$$")`,
		Columns:    []string{"S"},
	}, in, Options{})

	cells, err := calc.Cells(context.Background(), in.Rows[0])
	require.NoError(t, err)
	assert.Equal(t, "a $$CURRENTCOLUMN$$", cells[0].Value())
}

func TestMultiColumn_AppendAndReplace(t *testing.T) {
	in := mixedTable()
	cache := artifact.NewCache(t.TempDir())
	cfg := MultiColumnConfig{Expression: `upperCase($$CURRENTCOLUMN$$)`, Columns: []string{"S", "T"}}

	t.Run("append", func(t *testing.T) {
		calc := multiColumn(t, cache, cfg, in, Options{RowCount: in.RowCount()})
		r, err := calc.Rearranger()
		require.NoError(t, err)
		out, err := r.Transform(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, []string{"S", "I", "T", "Flag", "S_transformed", "T_transformed"}, out.Spec.Names())
		assert.Equal(t, "A", out.Rows[0].Cell(4).Value())
		assert.Equal(t, "X", out.Rows[0].Cell(5).Value())
	})

	t.Run("replace", func(t *testing.T) {
		cfg := cfg
		cfg.Replace = true
		calc := multiColumn(t, cache, cfg, in, Options{RowCount: in.RowCount()})
		r, err := calc.Rearranger()
		require.NoError(t, err)
		out, err := r.Transform(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, []string{"S", "I", "T", "Flag"}, out.Spec.Names())
		assert.Equal(t, "A", out.Rows[0].Cell(0).Value())
		assert.Equal(t, int32(1), out.Rows[0].Cell(1).Value())
	})

	t.Run("suffix collision", func(t *testing.T) {
		spec := table.NewSpec(
			table.ColumnSpec{Name: "S", Type: table.StringType},
			table.ColumnSpec{Name: "S_x", Type: table.StringType},
		)
		conf, err := NewMultiColumnConfigurator(MultiColumnConfig{Expression: `upperCase($$CURRENTCOLUMN$$)`, Columns: []string{"S"}, Suffix: "_x"}, spec, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"S", "S_x", "S_x (#1)"}, conf.OutputSpec().Names())
		assert.Equal(t, fields.ClassString, conf.ReturnType())
	})
}

func TestMultiColumn_MissingValues(t *testing.T) {
	in := mixedTable()
	cache := artifact.NewCache(t.TempDir())
	warnings := &CollectWarnings{}
	calc := multiColumn(t, cache, MultiColumnConfig{
		Expression: `join($$CURRENTCOLUMN$$, $T$)`,
		Columns:    []string{"S", "I"},
	}, in, Options{RowCount: in.RowCount(), Warnings: warnings})

	t.Run("missing current column", func(t *testing.T) {
		cells, err := calc.Cells(context.Background(), in.Rows[1])
		require.NoError(t, err)
		assert.True(t, cells[0].IsMissing())
		assert.Equal(t, "2y", cells[1].Value())
	})

	t.Run("missing static column", func(t *testing.T) {
		cells, err := calc.Cells(context.Background(), in.Rows[2])
		require.NoError(t, err)
		for _, c := range cells {
			assert.True(t, c.IsMissing())
		}
		ws := warnings.Warnings()
		require.Len(t, ws, 1)
		assert.Equal(t, WarnMissingInput, ws[0].Category)
		assert.Equal(t, "Row2", ws[0].RowKey)
	})
}

func TestMultiColumn_Validation(t *testing.T) {
	in := mixedTable()

	_, err := NewMultiColumnConfigurator(MultiColumnConfig{Expression: `upperCase($$CURRENTCOLUMN$$)`, Columns: []string{"Flag"}}, in.Spec, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))

	_, err = NewMultiColumnConfigurator(MultiColumnConfig{Expression: `upperCase($$CURRENTCOLUMN$$)`, Columns: []string{"Nope"}}, in.Spec, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))

	_, err = NewMultiColumnConfigurator(MultiColumnConfig{Expression: "  ", Columns: []string{"S"}}, in.Spec, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.Code(err))
}

func TestMultiColumn_PassThrough(t *testing.T) {
	in := mixedTable()
	conf, err := NewMultiColumnConfigurator(MultiColumnConfig{Expression: `upperCase($$CURRENTCOLUMN$$)`}, in.Spec, nil)
	require.NoError(t, err)
	assert.True(t, conf.PassThrough())
	assert.Same(t, in.Spec, conf.OutputSpec())

	calc, err := NewMultiColumnCalculator(artifact.NewCache(t.TempDir()), conf, Options{})
	require.NoError(t, err)
	defer calc.Close()
	assert.Zero(t, calc.Expressions())
	cells, err := calc.Cells(context.Background(), in.Rows[0])
	require.NoError(t, err)
	assert.Nil(t, cells)
}

func TestMultiColumn_CloseReleasesUnits(t *testing.T) {
	in := mixedTable()
	cache := artifact.NewCache(t.TempDir())
	conf, err := NewMultiColumnConfigurator(MultiColumnConfig{Expression: `join($$CURRENTCOLUMN$$, "?")`, Columns: []string{"S", "I"}}, in.Spec, nil)
	require.NoError(t, err)
	calc, err := NewMultiColumnCalculator(cache, conf, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Stats().Live)

	calc.Close()
	assert.Equal(t, 0, cache.Stats().Live)
}
