package nodes

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/calculator"
	"github.com/rendis/rowscript/internal/engine"
	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/logging"
	"github.com/rendis/rowscript/internal/manipulators"
	"github.com/rendis/rowscript/internal/script"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

// Option configures a Node.
type Option func(*Node)

// WithCache sets the artifact cache; artifact.Default() otherwise.
func WithCache(c *artifact.Cache) Option { return func(n *Node) { n.cache = c } }

// WithCatalog sets the catalog used to guess return types.
func WithCatalog(c *manipulators.Catalog) Option { return func(n *Node) { n.catalog = c } }

// WithLogger sets the node logger.
func WithLogger(l *slog.Logger) Option { return func(n *Node) { n.logger = l } }

// Node is a configured node. Configure compiles its expression against an
// input spec; Execute runs it. Close releases the compiled units.
type Node struct {
	def      *Definition
	cache    *artifact.Cache
	catalog  *manipulators.Catalog
	logger   *slog.Logger
	settings *script.Settings

	mu   sync.Mutex
	conf *calculator.MultiColumnConfigurator
	// held keeps the multi-column units compiled by Configure referenced
	// until the next Configure or Close.
	held *calculator.MultiColumnCalculator
}

// New creates a node from def.
func New(def *Definition, opts ...Option) *Node {
	n := &Node{def: def}
	for _, opt := range opts {
		opt(n)
	}
	if n.cache == nil {
		n.cache = artifact.Default()
	}
	if n.catalog == nil {
		n.catalog = manipulators.Default()
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	n.settings = script.NewSettings(n.cache)
	return n
}

// Definition returns the node's definition.
func (n *Node) Definition() *Definition { return n.def }

// Configuration is what Configure derived for an input spec.
type Configuration struct {
	// OutputSpec is the output table spec; nil for variable nodes.
	OutputSpec *table.Spec
	ReturnType fields.Class
	// Fingerprints of the compiled units.
	Fingerprints []string
}

// Configure compiles the node for rows of spec (nil for variable nodes) and
// flow variables vars. It can be called again when the input changes.
func (n *Node) Configure(spec *table.Spec, vars calculator.FlowVariables) (*Configuration, error) {
	if spec == nil {
		spec = table.NewSpec()
	}
	vars = n.def.variables(vars)

	if n.def.Kind == KindMultiColumn {
		return n.configureMultiColumn(spec, vars)
	}

	req, err := n.request(spec, vars)
	if err != nil {
		return nil, err
	}
	if err := n.settings.SetInputAndCompile(req); err != nil {
		return nil, err
	}
	expr, err := n.settings.CompiledExpression()
	if err != nil {
		return nil, err
	}
	defer expr.Close()

	cfg := &Configuration{ReturnType: req.ReturnType, Fingerprints: []string{expr.Fingerprint()}}
	if n.def.Kind.ProducesVariable() {
		return cfg, nil
	}
	calc, err := calculator.NewColumnCalculator(expr, spec, n.outputColumn(spec, req), n.options(vars, 0, 0, nil))
	if err != nil {
		return nil, err
	}
	r, err := calc.Rearranger(spec, n.def.ReplaceColumn)
	if err != nil {
		return nil, err
	}
	cfg.OutputSpec = r.OutputSpec()
	return cfg, nil
}

func (n *Node) configureMultiColumn(spec *table.Spec, vars calculator.FlowVariables) (*Configuration, error) {
	conf, err := calculator.NewMultiColumnConfigurator(calculator.MultiColumnConfig{
		Expression: n.def.Expression,
		Columns:    n.def.Columns,
		Replace:    n.def.Replace,
		Suffix:     n.def.Suffix,
		Classpath:  n.def.Classpath,
	}, spec, n.catalog)
	if err != nil {
		return nil, err
	}
	calc, err := calculator.NewMultiColumnCalculator(n.cache, conf, n.options(vars, 0, 0, nil))
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	prev := n.held
	n.conf, n.held = conf, calc
	n.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return &Configuration{
		OutputSpec:   conf.OutputSpec(),
		ReturnType:   conf.ReturnType(),
		Fingerprints: calc.Fingerprints(),
	}, nil
}

// request builds the synthesis request of single-expression kinds.
func (n *Node) request(spec *table.Spec, vars calculator.FlowVariables) (synth.Request, error) {
	varAvail, err := vars.Available()
	if err != nil {
		return synth.Request{}, err
	}
	var avail []synth.Available
	if !n.def.Kind.ProducesVariable() {
		avail = calculator.ColumnsAvailable(spec)
	}
	avail = append(avail, varAvail...)

	cls, array, ok, err := n.def.returnClass()
	if err != nil {
		return synth.Request{}, err
	}
	d := n.def.Kind.Dialect()
	if !ok {
		switch d {
		case synth.DialectRule:
			cls = synth.GuessRuleReturnType(n.def.Expression, avail)
		case synth.DialectExpression:
			cls = synth.GuessReturnType(n.def.Expression, n.catalog)
		default:
			cls = fields.ClassString
		}
	}
	return synth.Request{
		Dialect:        d,
		Text:           n.def.Expression,
		ExpressionForm: n.def.ExpressionForm && d == synth.DialectSnippet,
		ReturnType:     cls,
		ReturnArray:    array && d == synth.DialectSnippet,
		Available:      avail,
		Nullable:       n.def.InsertMissingAsNull,
		Classpath:      n.def.Classpath,
	}, nil
}

func (n *Node) outputColumn(spec *table.Spec, req synth.Request) table.ColumnSpec {
	name := n.def.ReplaceColumn
	if name == "" {
		name = spec.UniqueColumnName(n.def.OutputColumn)
	}
	return table.ColumnSpec{Name: name, Type: req.ReturnType.DataType(req.ReturnArray)}
}

func (n *Node) options(vars calculator.FlowVariables, rows, first int64, w calculator.WarningConsumer) calculator.Options {
	if w == nil {
		w = calculator.LogWarnings{Logger: n.logger}
	}
	return calculator.Options{
		InsertMissingAsNull:      n.def.InsertMissingAsNull,
		FailOnEvaluationProblems: n.def.FailOnEvaluationProblems,
		Abort:                    n.def.abortPolicy(),
		Variables:                vars,
		RowCount:                 rows,
		FirstRowIndex:            first,
		Warnings:                 w,
	}
}

// ExecOptions control a single execution.
type ExecOptions struct {
	Variables calculator.FlowVariables
	// Pool runs partitions; nil processes the table sequentially.
	Pool       *engine.WorkerPool
	Partitions int
	Warnings   calculator.WarningConsumer
}

// Result is the output of Execute: a table, or a flow variable.
type Result struct {
	Table         *table.Table
	Variable      string
	VariableValue any
	VariableClass fields.Class
}

// Execute configures the node for in and runs it. in is ignored by variable
// nodes.
func (n *Node) Execute(ctx context.Context, in *table.Table, opts ExecOptions) (*Result, error) {
	ctx = logging.WithNodeID(ctx, n.def.ID)
	var spec *table.Spec
	if in != nil {
		spec = in.Spec
	}
	cfg, err := n.Configure(spec, opts.Variables)
	if err != nil {
		return nil, err
	}
	vars := n.def.variables(opts.Variables)
	logging.LogWith(ctx, n.logger).Debug("executing node", "kind", n.def.Kind, "fingerprints", cfg.Fingerprints)

	if n.def.Kind.ProducesVariable() {
		return n.executeVariable(ctx, vars, opts.Warnings)
	}
	if in == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "node requires an input table")
	}

	var factory calculator.RearrangerFactory
	if n.def.Kind == KindMultiColumn {
		n.mu.Lock()
		conf := n.conf
		n.mu.Unlock()

		var (
			mu    sync.Mutex
			calcs []*calculator.MultiColumnCalculator
		)
		defer func() {
			for _, c := range calcs {
				c.Close()
			}
		}()
		factory = func(first int64) (*table.Rearranger, error) {
			calc, err := calculator.NewMultiColumnCalculator(n.cache, conf, n.options(vars, in.RowCount(), first, opts.Warnings))
			if err != nil {
				return nil, err
			}
			mu.Lock()
			calcs = append(calcs, calc)
			mu.Unlock()
			return calc.Rearranger()
		}
	} else {
		expr, err := n.settings.CompiledExpression()
		if err != nil {
			return nil, err
		}
		defer expr.Close()
		req := n.settings.Request()
		factory = func(first int64) (*table.Rearranger, error) {
			calc, err := calculator.NewColumnCalculator(expr, in.Spec, n.outputColumn(in.Spec, req), n.options(vars, in.RowCount(), first, opts.Warnings))
			if err != nil {
				return nil, err
			}
			return calc.Rearranger(in.Spec, n.def.ReplaceColumn)
		}
	}

	var out *table.Table
	if opts.Pool == nil || opts.Partitions <= 1 {
		r, err := factory(0)
		if err != nil {
			return nil, err
		}
		out, err = r.Transform(ctx, in)
		if err != nil {
			return nil, err
		}
	} else {
		out, err = calculator.ProcessPartitioned(ctx, opts.Pool, in, opts.Partitions, factory)
		if err != nil {
			return nil, err
		}
	}
	return &Result{Table: out}, nil
}

func (n *Node) executeVariable(ctx context.Context, vars calculator.FlowVariables, w calculator.WarningConsumer) (*Result, error) {
	expr, err := n.settings.CompiledExpression()
	if err != nil {
		return nil, err
	}
	defer expr.Close()
	calc, err := calculator.NewVariableCalculator(expr, n.options(vars, 1, 0, w))
	if err != nil {
		return nil, err
	}
	v, err := calc.Calculate(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Variable: n.def.OutputVariable, VariableValue: v, VariableClass: calc.ReturnType()}, nil
}

// Close releases the node's compiled units.
func (n *Node) Close() {
	n.settings.Close()
	n.mu.Lock()
	held := n.held
	n.conf, n.held = nil, nil
	n.mu.Unlock()
	if held != nil {
		held.Close()
	}
}
