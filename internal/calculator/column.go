package calculator

import (
	"context"
	"fmt"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/logging"
	"github.com/rendis/rowscript/internal/script"
	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

type columnInput struct {
	field fields.InputField
	index int
	typ   fields.SnippetType
}

// ColumnCalculator computes one output cell per row by evaluating a compiled
// expression. It backs the snippet, string manipulation and rule engine
// nodes. Not safe for concurrent use; partitions use one calculator each.
type ColumnCalculator struct {
	expr   *script.Expression
	inst   *script.Instance
	out    table.ColumnSpec
	opts   Options
	inputs []columnInput
	vars   map[fields.InputField]any
	consts *rowConstants
	report *onceReporter
	values map[fields.InputField]any
}

// NewColumnCalculator prepares expr for rows of spec. It fails when the
// expression reads a column missing from spec or of an unsupported type, a
// flow variable not in opts.Variables, or when opts.RowCount does not fit the
// 32-bit row counter.
func NewColumnCalculator(expr *script.Expression, spec *table.Spec, out table.ColumnSpec, opts Options) (*ColumnCalculator, error) {
	consts, err := newRowConstants(opts)
	if err != nil {
		return nil, err
	}
	fm := expr.FieldMap()
	vars, err := variableValues(fm, opts.Variables)
	if err != nil {
		return nil, err
	}
	inputs, err := columnInputs(fm, spec)
	if err != nil {
		return nil, err
	}
	inst, err := expr.NewInstance()
	if err != nil {
		return nil, err
	}
	return &ColumnCalculator{
		expr:   expr,
		inst:   inst,
		out:    out,
		opts:   opts,
		inputs: inputs,
		vars:   vars,
		consts: consts,
		report: newOnceReporter(opts.Warnings),
		values: make(map[fields.InputField]any, len(fm)),
	}, nil
}

// columnInputs locates every column the expression reads, in spec order.
func columnInputs(fm map[fields.InputField]fields.ExpressionField, spec *table.Spec) ([]columnInput, error) {
	var inputs []columnInput
	for i, col := range spec.Columns {
		in := fields.ColumnField(col.Name)
		if _, ok := fm[in]; !ok {
			continue
		}
		t, err := fields.FindType(col.Type)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, columnInput{field: in, index: i, typ: t})
	}
	for in := range fm {
		if in.Type == fields.Column && spec.FindColumnIndex(in.Name) < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "column %q is not in the input table", in.Name)
		}
	}
	return inputs, nil
}

// ColumnSpecs returns the single computed column.
func (c *ColumnCalculator) ColumnSpecs() []table.ColumnSpec { return []table.ColumnSpec{c.out} }

// RequiredColumns returns the indices of the columns the expression reads.
func (c *ColumnCalculator) RequiredColumns() []int {
	out := make([]int, len(c.inputs))
	for i, in := range c.inputs {
		out[i] = in.index
	}
	return out
}

// Cells computes the output cell of row.
func (c *ColumnCalculator) Cells(ctx context.Context, row table.Row) ([]table.Cell, error) {
	cell, err := c.Calculate(ctx, row)
	if err != nil {
		return nil, err
	}
	return []table.Cell{cell}, nil
}

// Calculate evaluates the expression for row. A missing input short-circuits
// to a missing cell unless InsertMissingAsNull is set.
func (c *ColumnCalculator) Calculate(ctx context.Context, row table.Row) (table.Cell, error) {
	ctx = logging.WithRowKey(ctx, row.Key)
	clear(c.values)
	if err := c.consts.bind(c.values, row.Key); err != nil {
		return table.Missing(), err
	}
	for in, v := range c.vars {
		c.values[in] = v
	}
	for _, in := range c.inputs {
		cell := row.Cell(in.index)
		if cell.IsMissing() {
			if !c.opts.InsertMissingAsNull {
				c.report.warn(ctx, Warning{
					Category: WarnMissingInput,
					RowKey:   row.Key,
					Message:  fmt.Sprintf("row %q contains missing value in column %q - returning missing", row.Key, in.field.Name),
				})
				return table.Missing(), nil
			}
			c.values[in.field] = nil
			continue
		}
		v, err := in.typ.FromCell(cell)
		if err != nil {
			return table.Missing(), schema.NewErrorf(schema.ErrCodeIllegalProperty, "column %q: %v", in.field.Name, err).WithRow(row.Key)
		}
		c.values[in.field] = v
	}

	out, err := c.evaluate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return table.Missing(), ctx.Err()
		}
		return table.Missing(), problem(ctx, c.report, c.opts, row.Key, err)
	}
	return fields.ToCell(out)
}

func (c *ColumnCalculator) evaluate(ctx context.Context) (any, error) {
	if err := c.inst.Set(c.values); err != nil {
		return nil, err
	}
	return c.inst.Evaluate(ctx)
}

// Rearranger returns the append or replace rearrangement of spec. replace
// names the column to overwrite, "" appends.
func (c *ColumnCalculator) Rearranger(spec *table.Spec, replace string) (*table.Rearranger, error) {
	if replace == "" {
		return table.NewAppendRearranger(spec, c), nil
	}
	idx := spec.FindColumnIndex(replace)
	if idx < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "column to replace %q is not in the input table", replace)
	}
	return table.NewReplaceRearranger(spec, c, idx)
}
