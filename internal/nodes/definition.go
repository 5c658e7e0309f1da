package nodes

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/rowscript/internal/calculator"
	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/internal/validation"
	"github.com/rendis/rowscript/pkg/schema"
)

// Kind identifies the node a definition configures.
type Kind string

const (
	KindJavaSnippet           Kind = "java_snippet"
	KindStringManipulation    Kind = "string_manipulation"
	KindMultiColumn           Kind = "multi_column_string_manipulation"
	KindRuleEngine            Kind = "rule_engine"
	KindStringManipulationVar Kind = "string_manipulation_variable"
	KindRuleEngineVar         Kind = "rule_engine_variable"
)

// Dialect returns the expression dialect of the node kind.
func (k Kind) Dialect() synth.Dialect {
	switch k {
	case KindJavaSnippet:
		return synth.DialectSnippet
	case KindRuleEngine, KindRuleEngineVar:
		return synth.DialectRule
	default:
		return synth.DialectExpression
	}
}

// ProducesVariable reports whether the node outputs a flow variable instead
// of a table.
func (k Kind) ProducesVariable() bool {
	return k == KindStringManipulationVar || k == KindRuleEngineVar
}

// Definition is a node configuration document.
type Definition struct {
	ID          string `json:"id" yaml:"id"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Expression  string `json:"expression" yaml:"expression"`
	// ExpressionForm treats a snippet as a single expression.
	ExpressionForm bool `json:"expression_form,omitempty" yaml:"expression_form,omitempty"`
	// ReturnType is a class name; empty guesses it from the expression.
	ReturnType  string `json:"return_type,omitempty" yaml:"return_type,omitempty"`
	ReturnArray bool   `json:"return_array,omitempty" yaml:"return_array,omitempty"`

	OutputColumn  string `json:"output_column,omitempty" yaml:"output_column,omitempty"`
	ReplaceColumn string `json:"replace_column,omitempty" yaml:"replace_column,omitempty"`

	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
	Replace bool     `json:"replace,omitempty" yaml:"replace,omitempty"`
	Suffix  string   `json:"suffix,omitempty" yaml:"suffix,omitempty"`

	OutputVariable string `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`

	InsertMissingAsNull      bool   `json:"insert_missing_as_null,omitempty" yaml:"insert_missing_as_null,omitempty"`
	FailOnEvaluationProblems bool   `json:"fail_on_evaluation_problems,omitempty" yaml:"fail_on_evaluation_problems,omitempty"`
	AbortPolicy              string `json:"abort_policy,omitempty" yaml:"abort_policy,omitempty"`

	Classpath []string       `json:"classpath,omitempty" yaml:"classpath,omitempty"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Parse decodes a YAML or JSON node definition and validates it.
func Parse(data []byte, v validation.Validator) (*Definition, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse node definition: %v", err).WithCause(err)
	}
	if v == nil {
		nv, err := validation.NewNodeValidator()
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeInternal, "create validator").WithCause(err)
		}
		v = nv
	}
	if err := v.ValidateNode(doc); err != nil {
		return nil, err
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode node definition: %v", err).WithCause(err)
	}
	return &def, nil
}

// Load reads and parses the definition at path.
func Load(path string, v validation.Validator) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read node definition %s: %v", path, err).WithCause(err)
	}
	def, err := Parse(data, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// returnClass resolves the configured return type. ok is false when none is
// configured and it has to be guessed.
func (d *Definition) returnClass() (cls fields.Class, array, ok bool, err error) {
	if d.ReturnType == "" {
		return 0, d.ReturnArray, false, nil
	}
	cls, array, err = fields.ClassFromName(d.ReturnType)
	if err != nil {
		return 0, false, false, schema.NewErrorf(schema.ErrCodeValidation, "return_type: %v", err)
	}
	return cls, array || d.ReturnArray, true, nil
}

func (d *Definition) abortPolicy() calculator.AbortPolicy {
	if d.AbortPolicy == "row" {
		return calculator.AbortRow
	}
	return calculator.AbortTable
}

// variables merges the definition's defaults with run-time values; run-time
// values win.
func (d *Definition) variables(run calculator.FlowVariables) calculator.FlowVariables {
	out := make(calculator.FlowVariables, len(d.Variables)+len(run))
	for k, v := range d.Variables {
		out[k] = v
	}
	for k, v := range run {
		out[k] = v
	}
	return out
}
