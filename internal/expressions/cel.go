package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/rendis/rowscript/internal/synth"
)

// CELEngine compiles rule units with Google's Common Expression Language.
// Every bound field is declared dyn so a missing value can be null; numeric
// comparisons across int and double are enabled.
// Thread-safe: cel.Program values are shared across goroutines.
type CELEngine struct {
	base *cel.Env
}

// NewCELEngine creates the rule toolchain.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(cel.CrossTypeNumericComparisons(true))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{base: env}, nil
}

// Dialect returns synth.DialectRule.
func (e *CELEngine) Dialect() synth.Dialect { return synth.DialectRule }

// Version returns the cel-go module version.
func (e *CELEngine) Version() string { return moduleVersion("github.com/google/cel-go") }

// Compile extends the base environment with the unit's fields and compiles
// the translated rule expression.
func (e *CELEngine) Compile(u *synth.Unit, _ Options) (Program, error) {
	vars := make([]cel.EnvOption, 0, len(u.Bindings))
	for _, b := range u.Bindings {
		vars = append(vars, cel.Variable(b.Field.Name, cel.DynType))
	}
	env, err := e.base.Extend(vars...)
	if err != nil {
		return nil, compileFailed(u, err, []string{err.Error()})
	}

	checked, issues := env.Compile(u.Code)
	if issues != nil && issues.Err() != nil {
		return nil, compileFailed(u, issues.Err(), []string{issues.String()})
	}
	prg, err := env.Program(checked, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileFailed(u, err, []string{err.Error()})
	}

	names := make([]string, len(u.Bindings))
	for i, b := range u.Bindings {
		names[i] = b.Field.Name
	}
	return &celProgram{program: prg, names: names}, nil
}

type celProgram struct {
	program cel.Program
	names   []string
}

func (p *celProgram) NewFrame() (Frame, error) {
	return &celFrame{program: p, activation: make(map[string]any, len(p.names))}, nil
}

type celFrame struct {
	program    *celProgram
	activation map[string]any
}

// Run evaluates the rules. Declared fields absent from bindings are null.
func (f *celFrame) Run(ctx context.Context, bindings map[string]any) (any, error) {
	for _, n := range f.program.names {
		f.activation[n] = nil
	}
	for k, v := range bindings {
		f.activation[k] = v
	}
	out, _, err := f.program.program.ContextEval(ctx, f.activation)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, evaluationFailed(err)
	}
	return exportCEL(out)
}

// exportCEL converts a CEL value to string, int64, float64, bool, []any or nil.
func exportCEL(v ref.Val) (any, error) {
	switch v.Type() {
	case types.NullType:
		return nil, nil
	case types.ListType:
		lister, ok := v.(traits.Lister)
		if !ok {
			return nil, evaluationFailed(fmt.Errorf("unexpected list value %T", v))
		}
		size, _ := lister.Size().(types.Int)
		out := make([]any, int(size))
		for i := range out {
			elem, err := exportCEL(lister.Get(types.Int(i)))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	}
	if types.IsError(v) {
		return nil, evaluationFailed(fmt.Errorf("%v", v))
	}
	return v.Value(), nil
}
