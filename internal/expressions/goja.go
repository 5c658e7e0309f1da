package expressions

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/rendis/rowscript/internal/manipulators"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

// GojaEngine compiles snippet units to goja programs. The unit declares one
// global per bound field and the function synth.EvaluateFunction; every
// manipulator is a global function, plus abort(message) and log(message).
type GojaEngine struct{}

// NewGojaEngine creates the snippet toolchain.
func NewGojaEngine() *GojaEngine { return &GojaEngine{} }

// Dialect returns synth.DialectSnippet.
func (e *GojaEngine) Dialect() synth.Dialect { return synth.DialectSnippet }

// Version returns the goja module version.
func (e *GojaEngine) Version() string { return moduleVersion("github.com/dop251/goja") }

// Compile parses the unit and its library scripts.
func (e *GojaEngine) Compile(u *synth.Unit, opts Options) (Program, error) {
	prg, err := goja.Compile("unit.js", u.Code, false)
	if err != nil {
		return nil, compileFailed(u, err, []string{err.Error()})
	}
	libs := make([]*goja.Program, 0, len(opts.Scripts))
	for _, s := range opts.Scripts {
		lib, err := goja.Compile(s.Name, s.Source, false)
		if err != nil {
			return nil, compileFailed(u, err, []string{s.Name + ": " + err.Error()})
		}
		libs = append(libs, lib)
	}
	return &gojaProgram{unit: prg, libs: libs, opts: opts}, nil
}

type gojaProgram struct {
	unit *goja.Program
	libs []*goja.Program
	opts Options
}

// NewFrame creates a runtime, installs the manipulators and runs the unit's
// top level so the evaluate function is defined.
func (p *gojaProgram) NewFrame() (Frame, error) {
	rt := goja.New()
	f := &gojaFrame{rt: rt}
	catalog := p.opts.catalog()
	logger := p.opts.logger()

	for _, name := range catalog.Names() {
		if err := rt.Set(name, f.manipulator(catalog, name)); err != nil {
			return nil, instantiationFailed("install manipulator %s: %v", name, err).WithCause(err)
		}
	}
	if err := rt.Set("abort", func(call goja.FunctionCall) goja.Value {
		msg := "aborted"
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			msg = arg.String()
		}
		f.abort = manipulators.Abort(msg)
		panic(rt.NewGoError(f.abort))
	}); err != nil {
		return nil, instantiationFailed("install abort: %v", err).WithCause(err)
	}
	if err := rt.Set("log", func(call goja.FunctionCall) goja.Value {
		logger.Debug("snippet log", "message", call.Argument(0).String())
		return goja.Undefined()
	}); err != nil {
		return nil, instantiationFailed("install log: %v", err).WithCause(err)
	}

	for _, lib := range p.libs {
		if _, err := rt.RunProgram(lib); err != nil {
			return nil, instantiationFailed("load library script: %v", err).WithCause(err)
		}
	}
	if _, err := rt.RunProgram(p.unit); err != nil {
		return nil, instantiationFailed("initialize unit: %v", err).WithCause(err)
	}
	fn, ok := goja.AssertFunction(rt.Get(synth.EvaluateFunction))
	if !ok {
		return nil, instantiationFailed("unit does not define %s", synth.EvaluateFunction)
	}
	f.fn = fn
	return f, nil
}

type gojaFrame struct {
	rt    *goja.Runtime
	fn    goja.Callable
	abort error
}

func (f *gojaFrame) manipulator(catalog *manipulators.Catalog, name string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = exportValue(a)
		}
		out, err := catalog.Call(name, args...)
		if err != nil {
			if schema.IsAbort(err) {
				f.abort = err
			}
			panic(f.rt.NewGoError(err))
		}
		if out == nil {
			return goja.Null()
		}
		return f.rt.ToValue(out)
	}
}

// Run assigns the bindings to the unit's globals and calls the evaluate function.
func (f *gojaFrame) Run(ctx context.Context, bindings map[string]any) (any, error) {
	f.abort = nil
	for name, v := range bindings {
		if err := f.rt.Set(name, v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeIllegalProperty, "bind %s: %v", name, err).WithCause(err)
		}
	}

	stop := context.AfterFunc(ctx, func() { f.rt.Interrupt(ctx.Err()) })
	res, err := f.fn(goja.Undefined())
	if !stop() {
		f.rt.ClearInterrupt()
	}

	if f.abort != nil {
		return nil, f.abort
	}
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, evaluationFailed(unwrapException(err))
	}
	return exportValue(res), nil
}

// unwrapException surfaces the Go error behind a GoError exception.
func unwrapException(err error) error {
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return err
	}
	if obj, ok := ex.Value().(*goja.Object); ok {
		if val := obj.Get("value"); val != nil {
			if inner, ok := val.Export().(error); ok {
				return fmt.Errorf("%s: %w", ex.Error(), inner)
			}
		}
	}
	return err
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
