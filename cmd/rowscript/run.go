package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/rendis/rowscript/internal/calculator"
	"github.com/rendis/rowscript/internal/engine"
	"github.com/rendis/rowscript/internal/nodes"
	"github.com/rendis/rowscript/internal/tablesource"
	"github.com/rendis/rowscript/internal/validation"
	"github.com/rendis/rowscript/pkg/table"
)

type runOptions struct {
	node        string
	input       string
	keyColumn   string
	db          string
	query       string
	output      string
	outputTable string
	vars        []string
}

func newRunCmd(a *app) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a node over a CSV file or a libSQL query",
		Example: `  rowscript run --node greet.yaml --input people.csv
  rowscript run --node tier.yaml --db shop.db --query "SELECT * FROM orders" --output-table tiers
  rowscript run --node tag.yaml --var prefix=build --var build=7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.node, "node", "", "node definition file (YAML or JSON)")
	f.StringVar(&o.input, "input", "", "input CSV file, - for stdin")
	f.StringVar(&o.keyColumn, "key-column", "", "CSV column holding row keys")
	f.StringVar(&o.db, "db", "", "libSQL database file")
	f.StringVar(&o.query, "query", "", "query producing the input table (with --db)")
	f.StringVar(&o.output, "output", "-", "output CSV file, - for stdout")
	f.StringVar(&o.outputTable, "output-table", "", "write the output table into the --db database")
	f.StringArrayVar(&o.vars, "var", nil, "flow variable name=value (repeatable)")
	f.Int("partitions", 0, "split the input into this many concurrently evaluated partitions")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func (a *app) run(ctx context.Context, stdout io.Writer, o runOptions) error {
	v, err := validation.NewNodeValidator()
	if err != nil {
		return err
	}
	def, err := nodes.Load(o.node, v)
	if err != nil {
		return err
	}
	vars, err := parseVars(o.vars)
	if err != nil {
		return err
	}

	var src *tablesource.LibSQLSource
	if o.db != "" {
		if src, err = tablesource.OpenLibSQL(o.db); err != nil {
			return err
		}
		defer src.Close()
	}
	if o.outputTable != "" && src == nil {
		return fmt.Errorf("--output-table needs --db")
	}

	var in *table.Table
	if !def.Kind.ProducesVariable() {
		if in, err = a.readInput(ctx, src, o); err != nil {
			return err
		}
	}

	var pool *engine.WorkerPool
	if a.cfg.Partitions > 1 {
		pool = engine.NewWorkerPool(a.cfg.Partitions)
		defer pool.Shutdown()
	}

	n := nodes.New(def, nodes.WithLogger(a.logger))
	defer n.Close()
	res, err := n.Execute(ctx, in, nodes.ExecOptions{
		Variables:  vars,
		Pool:       pool,
		Partitions: a.cfg.Partitions,
		Warnings:   calculator.LogWarnings{Logger: a.logger},
	})
	if err != nil {
		return err
	}

	if res.Table == nil {
		_, err := fmt.Fprintf(stdout, "%s=%s\n", res.Variable, cast.ToString(res.VariableValue))
		return err
	}
	a.logger.Info("node evaluated", "node_id", def.ID, "rows", res.Table.RowCount())
	if o.outputTable != "" {
		return src.WriteTable(ctx, o.outputTable, res.Table)
	}
	return writeOutput(o.output, stdout, res.Table)
}

func (a *app) readInput(ctx context.Context, src *tablesource.LibSQLSource, o runOptions) (*table.Table, error) {
	switch {
	case src != nil && o.query != "":
		return src.Query(ctx, o.query)
	case src != nil:
		return nil, fmt.Errorf("--db needs --query")
	case o.input == "":
		return nil, fmt.Errorf("table nodes need --input or --db with --query")
	case o.input == "-":
		return tablesource.ReadCSV(os.Stdin, tablesource.CSVOptions{KeyColumn: o.keyColumn})
	}
	f, err := os.Open(o.input)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tablesource.ReadCSV(f, tablesource.CSVOptions{KeyColumn: o.keyColumn})
}

func writeOutput(path string, stdout io.Writer, t *table.Table) error {
	if path == "" || path == "-" {
		return tablesource.WriteCSV(stdout, t)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tablesource.WriteCSV(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// parseVars reads name=value pairs. Integers in the 32-bit range become
// Integer variables, other numbers Double, anything else String.
func parseVars(pairs []string) (calculator.FlowVariables, error) {
	vars := make(calculator.FlowVariables, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q, expected name=value", p)
		}
		vars[name] = varValue(value)
	}
	return vars, nil
}

func varValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return int32(i)
		}
		return float64(i)
	}
	if f, err := cast.ToFloat64E(s); err == nil {
		return f
	}
	return s
}
