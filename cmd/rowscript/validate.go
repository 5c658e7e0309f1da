package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/rowscript/internal/nodes"
	"github.com/rendis/rowscript/internal/tablesource"
	"github.com/rendis/rowscript/internal/validation"
	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

func newValidateCmd(a *app) *cobra.Command {
	var (
		node  string
		input string
		vars  []string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check and compile a node definition without evaluating it",
		Long: `Validates a node definition against the definition schema and its
semantic rules, then compiles it. With --input the expression is compiled
against the columns of that CSV file; otherwise against no columns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.validate(cmd.OutOrStdout(), node, input, vars)
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "node definition file (YAML or JSON)")
	cmd.Flags().StringVar(&input, "input", "", "CSV file providing the input columns")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "flow variable name=value (repeatable)")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func (a *app) validate(out io.Writer, path, input string, varPairs []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %v", path, err)
	}

	v, err := validation.NewNodeValidator()
	if err != nil {
		return err
	}
	result := v.Validate(doc)
	fmt.Fprint(out, result.String())
	if !result.Valid() {
		return result.ToError()
	}

	def, err := nodes.Parse(data, v)
	if err != nil {
		return err
	}
	vars, err := parseVars(varPairs)
	if err != nil {
		return err
	}
	spec := table.NewSpec()
	if input != "" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		t, err := tablesource.ReadCSV(f, tablesource.CSVOptions{})
		f.Close()
		if err != nil {
			return err
		}
		spec = t.Spec
	}

	n := nodes.New(def, nodes.WithLogger(a.logger))
	defer n.Close()
	cfg, err := n.Configure(spec, vars)
	if err != nil {
		for _, d := range schema.Diagnostics(err) {
			fmt.Fprintf(out, "  %s\n", d)
		}
		return err
	}

	fmt.Fprintf(out, "%s: ok, returns %s\n", def.ID, cfg.ReturnType)
	if cfg.OutputSpec != nil {
		cols := make([]string, cfg.OutputSpec.NumColumns())
		for i, c := range cfg.OutputSpec.Columns {
			cols[i] = c.Name + ":" + c.Type.String()
		}
		fmt.Fprintf(out, "output columns: %s\n", strings.Join(cols, ", "))
	}
	for _, fp := range cfg.Fingerprints {
		fmt.Fprintf(out, "fingerprint: %s\n", fp)
	}
	return nil
}
