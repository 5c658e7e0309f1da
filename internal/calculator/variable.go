package calculator

import (
	"context"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/script"
	"github.com/rendis/rowscript/pkg/schema"
)

// VariableCalculator evaluates an expression once against flow variables
// only, producing the value of a new flow variable.
type VariableCalculator struct {
	inst *script.Instance
	vars map[fields.InputField]any
	opts Options
	ret  fields.Class
}

// NewVariableCalculator prepares expr. Column references are rejected;
// reserved constants evaluate as a single row of a one-row table.
func NewVariableCalculator(expr *script.Expression, opts Options) (*VariableCalculator, error) {
	fm := expr.FieldMap()
	for in := range fm {
		if in.Type == fields.Column {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "column %q cannot be referenced by a variable expression", in.Name)
		}
	}
	vars, err := variableValues(fm, opts.Variables)
	if err != nil {
		return nil, err
	}
	inst, err := expr.NewInstance()
	if err != nil {
		return nil, err
	}
	ret, _ := expr.ReturnType()
	return &VariableCalculator{inst: inst, vars: vars, opts: opts, ret: ret}, nil
}

// Calculate returns the variable value, nil when the expression yields no
// value. Evaluation problems follow the same policy as column calculators.
func (v *VariableCalculator) Calculate(ctx context.Context) (any, error) {
	values := map[fields.InputField]any{
		fields.RowIndexField: int32(0),
		fields.RowIDField:    "",
		fields.RowCountField: int32(1),
	}
	for in, val := range v.vars {
		values[in] = val
	}
	if err := v.inst.Set(values); err != nil {
		return nil, v.problem(ctx, err)
	}
	out, err := v.inst.Evaluate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, v.problem(ctx, err)
	}
	return out, nil
}

// ReturnType is the class of the produced variable.
func (v *VariableCalculator) ReturnType() fields.Class { return v.ret }

func (v *VariableCalculator) problem(ctx context.Context, err error) error {
	return problem(ctx, newOnceReporter(v.opts.Warnings), v.opts, "", err)
}
