package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/rowscript/internal/manipulators"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

// ExprEngine compiles manipulator expressions with expr-lang/expr. Built-in
// expr functions are disabled; the callable functions are exactly the
// manipulators of the catalog. Compiled *vm.Program values are shared across
// goroutines, each frame owns its VM.
type ExprEngine struct{}

// NewExprEngine creates the expression toolchain.
func NewExprEngine() *ExprEngine { return &ExprEngine{} }

// Dialect returns synth.DialectExpression.
func (e *ExprEngine) Dialect() synth.Dialect { return synth.DialectExpression }

// Version returns the expr module version.
func (e *ExprEngine) Version() string { return moduleVersion("github.com/expr-lang/expr") }

// Compile type-checks the expression against the unit's declared fields.
func (e *ExprEngine) Compile(u *synth.Unit, opts Options) (Program, error) {
	catalog := opts.catalog()

	env := make(map[string]any, len(u.Bindings))
	for _, b := range u.Bindings {
		if b.Field.Collection {
			env[b.Field.Name] = []any{}
		} else {
			env[b.Field.Name] = b.Field.Class.Zero()
		}
	}

	calls := &callChecker{catalog: catalog}
	options := []expr.Option{
		expr.Env(env),
		expr.DisableAllBuiltins(),
		expr.Patch(calls),
	}
	for _, name := range catalog.Names() {
		options = append(options, expr.Function(name, func(params ...any) (any, error) {
			return catalog.Call(name, params...)
		}))
	}

	prg, err := expr.Compile(u.Code, options...)
	if err != nil {
		return nil, compileFailed(u, err, []string{err.Error()})
	}
	if len(calls.problems) > 0 {
		err := fmt.Errorf("%s", strings.Join(calls.problems, "; "))
		return nil, compileFailed(u, err, calls.problems)
	}
	return &exprProgram{program: prg}, nil
}

// callChecker rejects manipulator calls with an argument count no overload takes.
type callChecker struct {
	catalog  *manipulators.Catalog
	problems []string
}

func (c *callChecker) Visit(node *ast.Node) {
	call, ok := (*node).(*ast.CallNode)
	if !ok {
		return
	}
	ident, ok := call.Callee.(*ast.IdentifierNode)
	if !ok {
		return
	}
	if _, ok := c.catalog.Find(ident.Value, len(call.Arguments)); !ok {
		c.problems = append(c.problems, fmt.Sprintf("%s does not take %d arguments", ident.Value, len(call.Arguments)))
	}
}

type exprProgram struct {
	program *vm.Program
}

func (p *exprProgram) NewFrame() (Frame, error) {
	return &exprFrame{program: p.program, env: map[string]any{}}, nil
}

type exprFrame struct {
	program *vm.Program
	machine vm.VM
	env     map[string]any
}

// Run evaluates the program with the bindings as its environment.
func (f *exprFrame) Run(ctx context.Context, bindings map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clear(f.env)
	for k, v := range bindings {
		f.env[k] = v
	}
	out, err := f.machine.Run(f.program, f.env)
	if err != nil {
		return nil, evaluationFailed(markAbort(err))
	}
	return out, nil
}

// markAbort recognizes an abort whose error chain was flattened into text.
func markAbort(err error) error {
	if !schema.IsAbort(err) && strings.Contains(err.Error(), "["+schema.ErrCodeAborted+"]") {
		msg := firstLine(err.Error())
		if i := strings.Index(msg, "["+schema.ErrCodeAborted+"] "); i >= 0 {
			msg = msg[i+len(schema.ErrCodeAborted)+3:]
		}
		return manipulators.Abort(msg)
	}
	return err
}
