package calculator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

// AbortPolicy decides what an abort signalled by user code stops.
type AbortPolicy int

const (
	// AbortTable stops processing with an EXECUTION_STOPPED error.
	AbortTable AbortPolicy = iota
	// AbortRow treats the abort like an evaluation problem: the row gets a
	// missing cell unless FailOnEvaluationProblems is set.
	AbortRow
)

// Options are the row-level policies shared by all calculators.
type Options struct {
	// InsertMissingAsNull evaluates rows with missing inputs, binding nil.
	// When false such rows short-circuit to a missing cell.
	InsertMissingAsNull bool
	// FailOnEvaluationProblems turns the first evaluation problem into an
	// EXECUTION_STOPPED error instead of a missing cell.
	FailOnEvaluationProblems bool
	Abort                    AbortPolicy
	Variables                FlowVariables
	// RowCount is the total number of rows of the table, bound to ROWCOUNT.
	RowCount int64
	// FirstRowIndex is the ROWINDEX of the first row this calculator sees.
	FirstRowIndex int64
	Warnings      WarningConsumer
}

// FlowVariables maps flow variable names to string, int32 or float64 values.
type FlowVariables map[string]any

// Available declares every flow variable for synthesis.
func (v FlowVariables) Available() ([]synth.Available, error) {
	names := make([]string, 0, len(v))
	for n := range v {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]synth.Available, 0, len(names))
	for _, n := range names {
		c, err := VariableClass(v[n])
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "flow variable %q: %v", n, err)
		}
		out = append(out, synth.Available{Input: fields.VariableField(n), Class: c})
	}
	return out, nil
}

// VariableClass returns the class of a flow variable value.
func VariableClass(v any) (fields.Class, error) {
	switch v.(type) {
	case string:
		return fields.ClassString, nil
	case int, int32, int64:
		return fields.ClassInteger, nil
	case float32, float64:
		return fields.ClassDouble, nil
	}
	return 0, fmt.Errorf("unsupported value type %T", v)
}

// ColumnsAvailable declares every column of spec whose type has a snippet
// representation. Other columns cannot be referenced.
func ColumnsAvailable(spec *table.Spec) []synth.Available {
	var out []synth.Available
	for _, col := range spec.Columns {
		t, err := fields.FindType(col.Type)
		if err != nil {
			continue
		}
		out = append(out, synth.Available{
			Input:      fields.ColumnField(col.Name),
			Class:      t.Class(),
			Collection: col.Type.Collection,
		})
	}
	return out
}

// rowConstants binds the reserved constants for one row.
type rowConstants struct {
	next     int64
	rowCount int32
}

func newRowConstants(opts Options) (*rowConstants, error) {
	n, err := fields.RowIndexToInt32(opts.RowCount)
	if err != nil {
		return nil, err
	}
	return &rowConstants{next: opts.FirstRowIndex, rowCount: n}, nil
}

// bind sets ROWINDEX, ROWID and ROWCOUNT and advances the row index.
func (r *rowConstants) bind(values map[fields.InputField]any, key string) error {
	idx, err := fields.RowIndexToInt32(r.next)
	if err != nil {
		return err
	}
	r.next++
	values[fields.RowIndexField] = idx
	values[fields.RowIDField] = key
	values[fields.RowCountField] = r.rowCount
	return nil
}

// variableValues resolves the flow variables expr reads.
func variableValues(fm map[fields.InputField]fields.ExpressionField, vars FlowVariables) (map[fields.InputField]any, error) {
	out := map[fields.InputField]any{}
	for in := range fm {
		if in.Type != fields.Variable || in.Name == synth.CurrentColumn {
			continue
		}
		v, ok := vars[in.Name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "the expression uses the flow variable %s, which does not exist", in.Name)
		}
		out[in] = v
	}
	return out, nil
}

// problem applies the evaluation-problem policy to err. It returns nil when
// processing continues with a missing cell.
func problem(ctx context.Context, r *onceReporter, opts Options, rowKey string, err error) error {
	var category, msg string
	switch {
	case schema.IsAbort(err):
		msg = "calculation aborted: " + abortMessage(err)
		if opts.Abort == AbortTable {
			return schema.NewErrorf(schema.ErrCodeExecutionStopped, "%s", msg).WithRow(rowKey).WithCause(err)
		}
		category = WarnAborted
	case schema.IsEvaluationFailed(err):
		category, msg = WarnEvaluation, err.Error()
	case schema.IsIllegalProperty(err):
		category, msg = WarnProperty, err.Error()
	default:
		return err
	}
	msg = fmt.Sprintf("evaluation of expression failed for row %q: %s", rowKey, msg)
	r.warn(ctx, Warning{Category: category, RowKey: rowKey, Message: msg})
	if opts.FailOnEvaluationProblems {
		return schema.NewErrorf(schema.ErrCodeExecutionStopped, "execution stopped: %s", msg).WithRow(rowKey).WithCause(err)
	}
	return nil
}

func abortMessage(err error) string {
	var ee *schema.EngineError
	for e := err; errors.As(e, &ee); e = ee.Cause {
		if ee.Code == schema.ErrCodeAborted {
			if ee.Message == "" {
				return "<no details>"
			}
			return ee.Message
		}
	}
	return err.Error()
}
