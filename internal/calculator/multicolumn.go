package calculator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/logging"
	"github.com/rendis/rowscript/internal/manipulators"
	"github.com/rendis/rowscript/internal/script"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

// DefaultSuffix is appended to iterated column names in append mode.
const DefaultSuffix = "_transformed"

// MultiColumnConfig is the user configuration of the multi-column string
// manipulation node.
type MultiColumnConfig struct {
	// Expression is a manipulator expression, e.g. capitalize($$CURRENTCOLUMN$$).
	Expression string
	// Columns are the iterated columns. None makes the node pass rows through.
	Columns []string
	// Replace overwrites the iterated columns instead of appending new ones.
	Replace bool
	// Suffix names appended columns; DefaultSuffix when empty.
	Suffix    string
	Classpath []string
}

type iterated struct {
	name  string
	index int
	typ   fields.SnippetType
}

// MultiColumnConfigurator resolves a MultiColumnConfig against an input spec:
// the iterated columns, the guessed return type and the output columns.
type MultiColumnConfigurator struct {
	cfg        MultiColumnConfig
	spec       *table.Spec
	columns    []iterated
	returnType fields.Class
	evaluated  []table.ColumnSpec
}

// NewMultiColumnConfigurator validates cfg against spec. Iterated columns must
// be String, Integer or Double.
func NewMultiColumnConfigurator(cfg MultiColumnConfig, spec *table.Spec, catalog *manipulators.Catalog) (*MultiColumnConfigurator, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expression is empty")
	}
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultSuffix
	}
	if catalog == nil {
		catalog = manipulators.Default()
	}

	c := &MultiColumnConfigurator{
		cfg:        cfg,
		spec:       spec,
		returnType: synth.GuessReturnType(cfg.Expression, catalog),
	}
	outSpec := &table.Spec{Columns: append([]table.ColumnSpec(nil), spec.Columns...)}
	for _, name := range cfg.Columns {
		idx := spec.FindColumnIndex(name)
		if idx < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "can not iterate over column %q, it is not present in the input table", name)
		}
		dt := spec.Column(idx).Type
		t, err := fields.FindType(dt)
		if err != nil || dt.Collection {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "column %q has type %s, only Integer, Double or String columns can be iterated", name, dt)
		}
		if _, ok := synth.PrefixFor(t.Class()); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "column %q has type %s, only Integer, Double or String columns can be iterated", name, dt)
		}
		c.columns = append(c.columns, iterated{name: name, index: idx, typ: t})

		target := name
		if !cfg.Replace {
			target = outSpec.UniqueColumnName(name + cfg.Suffix)
			outSpec.Columns = append(outSpec.Columns, table.ColumnSpec{Name: target})
		}
		c.evaluated = append(c.evaluated, table.ColumnSpec{Name: target, Type: c.returnType.DataType(false)})
	}
	return c, nil
}

// PassThrough reports whether no column is iterated.
func (c *MultiColumnConfigurator) PassThrough() bool { return len(c.columns) == 0 }

// ReturnType is the class guessed from the expression.
func (c *MultiColumnConfigurator) ReturnType() fields.Class { return c.returnType }

// EvaluatedColumnSpecs describes the computed columns, one per iterated column.
func (c *MultiColumnConfigurator) EvaluatedColumnSpecs() []table.ColumnSpec {
	return append([]table.ColumnSpec(nil), c.evaluated...)
}

// IteratedColumnIndices returns the input indices of the iterated columns.
func (c *MultiColumnConfigurator) IteratedColumnIndices() []int {
	out := make([]int, len(c.columns))
	for i, col := range c.columns {
		out[i] = col.index
	}
	return out
}

// OutputSpec returns the spec of the node's output table.
func (c *MultiColumnConfigurator) OutputSpec() *table.Spec {
	if c.PassThrough() {
		return c.spec
	}
	cols := append([]table.ColumnSpec(nil), c.spec.Columns...)
	for i, col := range c.columns {
		if c.cfg.Replace {
			cols[col.index] = c.evaluated[i]
		} else {
			cols = append(cols, c.evaluated[i])
		}
	}
	return &table.Spec{Columns: cols}
}

// request builds the synthesis request of the expression compiled for
// iterated columns of class cls. The current column becomes a flow variable
// of that class, rebound before each evaluation.
func (c *MultiColumnConfigurator) request(cls fields.Class, opts Options) (synth.Request, error) {
	ph, err := synth.VariablePlaceholder(synth.CurrentColumn, cls)
	if err != nil {
		return synth.Request{}, schema.NewErrorf(schema.ErrCodeValidation, "%v", err)
	}
	text, err := synth.ReplaceCurrentColumn(synth.DialectExpression, c.cfg.Expression, ph)
	if err != nil {
		return synth.Request{}, schema.NewErrorf(schema.ErrCodeCompilation, "malformed placeholder: %v", err)
	}
	avail := append(ColumnsAvailable(c.spec), synth.Available{Input: fields.VariableField(synth.CurrentColumn), Class: cls})
	vars, err := opts.Variables.Available()
	if err != nil {
		return synth.Request{}, err
	}
	avail = append(avail, vars...)
	return synth.Request{
		Dialect:    synth.DialectExpression,
		Text:       text,
		ReturnType: c.returnType,
		Available:  avail,
		Nullable:   opts.InsertMissingAsNull,
		Classpath:  c.cfg.Classpath,
	}, nil
}

type managedExpression struct {
	expr   *script.Expression
	inst   *script.Instance
	vars   map[fields.InputField]any
	static []columnInput
}

// MultiColumnCalculator evaluates one expression per iterated column and
// row. Iterated columns of the same class share a compiled expression.
// Not safe for concurrent use.
type MultiColumnCalculator struct {
	conf   *MultiColumnConfigurator
	opts   Options
	byType map[fields.Class]*managedExpression
	consts *rowConstants
	report *onceReporter
	values map[fields.InputField]any
}

// NewMultiColumnCalculator compiles the configurator's expression once per
// distinct iterated column class.
func NewMultiColumnCalculator(cache *artifact.Cache, conf *MultiColumnConfigurator, opts Options) (_ *MultiColumnCalculator, err error) {
	consts, err := newRowConstants(opts)
	if err != nil {
		return nil, err
	}
	m := &MultiColumnCalculator{
		conf:   conf,
		opts:   opts,
		byType: map[fields.Class]*managedExpression{},
		consts: consts,
		report: newOnceReporter(opts.Warnings),
		values: map[fields.InputField]any{},
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	for _, col := range conf.columns {
		cls := col.typ.Class()
		if _, ok := m.byType[cls]; ok {
			continue
		}
		req, err := conf.request(cls, opts)
		if err != nil {
			return nil, err
		}
		expr, err := script.Compile(cache, req)
		if err != nil {
			return nil, err
		}
		me := &managedExpression{expr: expr}
		m.byType[cls] = me

		fm := expr.FieldMap()
		if me.vars, err = variableValues(fm, opts.Variables); err != nil {
			return nil, err
		}
		if me.static, err = columnInputs(fm, conf.spec); err != nil {
			return nil, err
		}
		if me.inst, err = expr.NewInstance(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ColumnSpecs returns the evaluated columns.
func (m *MultiColumnCalculator) ColumnSpecs() []table.ColumnSpec { return m.conf.EvaluatedColumnSpecs() }

// Cells evaluates the expression for every iterated column of row.
func (m *MultiColumnCalculator) Cells(ctx context.Context, row table.Row) ([]table.Cell, error) {
	if m.conf.PassThrough() {
		return nil, nil
	}
	ctx = logging.WithRowKey(ctx, row.Key)
	result := make([]table.Cell, len(m.conf.columns))

	clear(m.values)
	if err := m.consts.bind(m.values, row.Key); err != nil {
		return nil, err
	}

	// A missing statically referenced column makes every result missing.
	for _, me := range m.byType {
		for _, in := range me.static {
			if row.Cell(in.index).IsMissing() && !m.opts.InsertMissingAsNull {
				m.report.warn(ctx, Warning{
					Category: WarnMissingInput,
					RowKey:   row.Key,
					Message:  fmt.Sprintf("row %q contains missing value in column %q - returning missing", row.Key, in.field.Name),
				})
				for i := range result {
					result[i] = table.Missing()
				}
				return result, nil
			}
		}
	}

	for i, col := range m.conf.columns {
		cell, err := m.evaluate(ctx, row, m.byType[col.typ.Class()], col)
		if err != nil {
			return nil, err
		}
		result[i] = cell
	}
	return result, nil
}

func (m *MultiColumnCalculator) evaluate(ctx context.Context, row table.Row, me *managedExpression, col iterated) (table.Cell, error) {
	current := row.Cell(col.index)
	if current.IsMissing() && !m.opts.InsertMissingAsNull {
		return table.Missing(), nil
	}

	values := make(map[fields.InputField]any, len(m.values)+len(me.vars)+len(me.static)+1)
	for k, v := range m.values {
		values[k] = v
	}
	for k, v := range me.vars {
		values[k] = v
	}
	for _, in := range me.static {
		v, err := in.typ.FromCell(row.Cell(in.index))
		if err != nil {
			return table.Missing(), schema.NewErrorf(schema.ErrCodeIllegalProperty, "column %q: %v", in.field.Name, err).WithRow(row.Key)
		}
		values[in.field] = v
	}
	cv, err := col.typ.FromCell(current)
	if err != nil {
		return table.Missing(), schema.NewErrorf(schema.ErrCodeIllegalProperty, "column %q: %v", col.name, err).WithRow(row.Key)
	}
	values[fields.VariableField(synth.CurrentColumn)] = cv

	out, err := func() (any, error) {
		if err := me.inst.Set(values); err != nil {
			return nil, err
		}
		return me.inst.Evaluate(ctx)
	}()
	if err != nil {
		if ctx.Err() != nil {
			return table.Missing(), ctx.Err()
		}
		return table.Missing(), problem(ctx, m.report, m.opts, row.Key, err)
	}
	return fields.ToCell(out)
}

// Rearranger returns the append or replace rearrangement of the input spec.
func (m *MultiColumnCalculator) Rearranger() (*table.Rearranger, error) {
	if m.conf.cfg.Replace {
		return table.NewReplaceRearranger(m.conf.spec, m, m.conf.IteratedColumnIndices()...)
	}
	return table.NewAppendRearranger(m.conf.spec, m), nil
}

// Fingerprints returns the fingerprints of the compiled expressions, in the
// order their column classes first appear among the iterated columns.
func (m *MultiColumnCalculator) Fingerprints() []string {
	var out []string
	seen := map[fields.Class]bool{}
	for _, col := range m.conf.columns {
		cls := col.typ.Class()
		if seen[cls] {
			continue
		}
		seen[cls] = true
		out = append(out, m.byType[cls].expr.Fingerprint())
	}
	return out
}

// Expressions returns the number of compiled expressions in use.
func (m *MultiColumnCalculator) Expressions() int { return len(m.byType) }

// Close releases every compiled expression.
func (m *MultiColumnCalculator) Close() {
	for _, me := range m.byType {
		me.expr.Close()
	}
}
