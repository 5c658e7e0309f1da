package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/rowscript/internal/calculator"
	"github.com/rendis/rowscript/internal/logging"
	"github.com/rendis/rowscript/internal/nodes"
	"github.com/rendis/rowscript/internal/tablesource"
	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

type columnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type validateResponse struct {
	Valid        bool                     `json:"valid"`
	Errors       []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings     []schema.ValidationIssue `json:"warnings,omitempty"`
	Diagnostics  []string                 `json:"diagnostics,omitempty"`
	ReturnType   string                   `json:"return_type,omitempty"`
	OutputSpec   []columnInfo             `json:"output_columns,omitempty"`
	Fingerprints []string                 `json:"fingerprints,omitempty"`
}

type rowInfo struct {
	Key    string `json:"key"`
	Values []any  `json:"values"`
}

type variableInfo struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Class string `json:"class"`
}

type evaluateResponse struct {
	RunID    string               `json:"run_id"`
	Columns  []columnInfo         `json:"columns,omitempty"`
	Rows     []rowInfo            `json:"rows,omitempty"`
	CSV      string               `json:"csv,omitempty"`
	Variable *variableInfo        `json:"variable,omitempty"`
	Warnings []calculator.Warning `json:"warnings,omitempty"`
}

type manipulatorInfo struct {
	Name        string `json:"name"`
	Display     string `json:"display"`
	Category    string `json:"category"`
	Args        int    `json:"args"`
	ReturnType  string `json:"return_type"`
	Description string `json:"description,omitempty"`
}

// handleValidate checks a definition and compiles it against the given columns.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := mcp.ParseStringMap(req, "definition", nil)
	if doc == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	vr := s.validator.Validate(doc)
	resp := validateResponse{Errors: vr.Errors, Warnings: vr.Warnings}
	if !vr.Valid() {
		return marshalResult(resp)
	}

	def, err := s.definition(doc)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	spec, err := specFromColumns(mcp.ParseStringMap(req, "columns", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vars, err := flowVariables(mcp.ParseStringMap(req, "variables", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	n := s.node(def)
	defer n.Close()
	cfg, err := n.Configure(spec, vars)
	if err != nil {
		resp.Errors = append(resp.Errors, schema.ValidationIssue{
			Path: "expression", Code: schema.Code(err), Message: err.Error(), Severity: schema.SeverityError,
		})
		resp.Diagnostics = schema.Diagnostics(err)
		return marshalResult(resp)
	}

	resp.Valid = true
	resp.ReturnType = cfg.ReturnType.String()
	resp.Fingerprints = cfg.Fingerprints
	if cfg.OutputSpec != nil {
		resp.OutputSpec = columns(cfg.OutputSpec)
	}
	return marshalResult(resp)
}

// handleEvaluate runs a definition over CSV rows.
func (s *Server) handleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := mcp.ParseStringMap(req, "definition", nil)
	if doc == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	def, err := s.definition(doc)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vars, err := flowVariables(mcp.ParseStringMap(req, "variables", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	format := req.GetString("format", "json")
	if format != "json" && format != "csv" {
		return mcp.NewToolResultError("format must be json or csv"), nil
	}

	var in *table.Table
	if text := req.GetString("csv", ""); text != "" {
		in, err = tablesource.ReadCSV(strings.NewReader(text), tablesource.CSVOptions{})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid csv: %v", err)), nil
		}
	} else if !def.Kind.ProducesVariable() {
		return mcp.NewToolResultError("csv is required for table nodes"), nil
	}

	runID := uuid.NewString()
	ctx = logging.WithNodeID(ctx, def.ID)
	collected := &calculator.CollectWarnings{}
	n := s.node(def)
	defer n.Close()

	res, err := n.Execute(ctx, in, nodes.ExecOptions{
		Variables:  vars,
		Pool:       s.pool,
		Partitions: s.partitions,
		Warnings:   teeWarnings{collected, NewWarningNotifier(s.mcpServer, s.logger)},
	})
	if err != nil {
		s.logger.Info("evaluation failed", "run_id", runID, "node_id", def.ID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("evaluation failed: %v", err)), nil
	}

	resp := evaluateResponse{RunID: runID, Warnings: collected.Warnings()}
	if res.Table != nil {
		resp.Columns = columns(res.Table.Spec)
		if format == "csv" {
			var buf bytes.Buffer
			if err := tablesource.WriteCSV(&buf, res.Table); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			resp.CSV = buf.String()
		} else {
			resp.Rows = make([]rowInfo, len(res.Table.Rows))
			for i, r := range res.Table.Rows {
				vals := make([]any, len(r.Cells))
				for j, c := range r.Cells {
					vals[j] = c.Value()
				}
				resp.Rows[i] = rowInfo{Key: r.Key, Values: vals}
			}
		}
	} else {
		resp.Variable = &variableInfo{Name: res.Variable, Value: res.VariableValue, Class: res.VariableClass.String()}
	}
	return marshalResult(resp)
}

// handleManipulators lists the catalog.
func (s *Server) handleManipulators(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category := req.GetString("category", "")
	if category != "" && !slices.Contains(s.catalog.Categories(), category) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown category %q, expected one of %s",
			category, strings.Join(s.catalog.Categories(), ", "))), nil
	}
	list := s.catalog.List(category)
	out := make([]manipulatorInfo, len(list))
	for i, m := range list {
		out[i] = manipulatorInfo{
			Name:        m.Name(),
			Display:     m.DisplayName(),
			Category:    m.Category(),
			Args:        m.NrArgs(),
			ReturnType:  m.ReturnType().String(),
			Description: m.Description(),
		}
	}
	return marshalResult(out)
}

func (s *Server) node(def *nodes.Definition) *nodes.Node {
	return nodes.New(def, nodes.WithCache(s.cache), nodes.WithCatalog(s.catalog), nodes.WithLogger(s.logger))
}

// definition validates doc and decodes it.
func (s *Server) definition(doc map[string]any) (*nodes.Definition, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return nodes.Parse(data, s.validator)
}

// specFromColumns builds a spec from name -> type, in name order.
func specFromColumns(cols map[string]any) (*table.Spec, error) {
	names := make([]string, 0, len(cols))
	for n := range cols {
		names = append(names, n)
	}
	sort.Strings(names)
	spec := table.NewSpec()
	for _, n := range names {
		ts, _ := cols[n].(string)
		dt, err := table.ParseDataType(ts)
		if err != nil {
			return nil, fmt.Errorf("column %q: %v", n, err)
		}
		spec.Columns = append(spec.Columns, table.ColumnSpec{Name: n, Type: dt})
	}
	return spec, nil
}

// flowVariables converts JSON values. Integral numbers in the int32 range
// become Integer variables, other numbers Double.
func flowVariables(m map[string]any) (calculator.FlowVariables, error) {
	vars := make(calculator.FlowVariables, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case string:
			vars[k] = x
		case float64:
			if x == math.Trunc(x) && x >= math.MinInt32 && x <= math.MaxInt32 {
				vars[k] = int32(x)
			} else {
				vars[k] = x
			}
		case json.Number:
			if i, err := x.Int64(); err == nil && i >= math.MinInt32 && i <= math.MaxInt32 {
				vars[k] = int32(i)
			} else if f, err := x.Float64(); err == nil {
				vars[k] = f
			} else {
				return nil, fmt.Errorf("variable %q: %v", k, err)
			}
		default:
			return nil, fmt.Errorf("variable %q: unsupported value %T", k, v)
		}
	}
	return vars, nil
}

func columns(spec *table.Spec) []columnInfo {
	out := make([]columnInfo, spec.NumColumns())
	for i, c := range spec.Columns {
		out[i] = columnInfo{Name: c.Name, Type: c.Type.String()}
	}
	return out
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
