// Package synth turns user text into a compilable unit: it resolves
// placeholders to typed fields, names the generated identifiers and renders
// the unit for one of the three dialects.
package synth

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/pkg/schema"
)

// Dialect selects the language a unit is written in and the toolchain that
// compiles it.
type Dialect string

const (
	// DialectSnippet is a JavaScript method body, run by goja.
	DialectSnippet Dialect = "snippet"
	// DialectExpression is a manipulator expression, run by expr.
	DialectExpression Dialect = "expression"
	// DialectRule is a list of "condition => outcome" rules, run by CEL.
	DialectRule Dialect = "rule"
)

// Extension returns the file extension of units in the dialect.
func (d Dialect) Extension() string {
	switch d {
	case DialectSnippet:
		return "js"
	case DialectRule:
		return "cel"
	default:
		return "expr"
	}
}

// ParseDialect validates a dialect name.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case DialectSnippet, DialectExpression, DialectRule:
		return d, nil
	}
	return "", fmt.Errorf("unknown dialect %q", s)
}

// Available describes an input field the caller can supply.
type Available struct {
	Input      fields.InputField
	Class      fields.Class
	Collection bool
}

// Binding pairs an input field with its generated declaration.
type Binding struct {
	Input fields.InputField
	Field fields.ExpressionField
}

// Request is everything needed to synthesize a unit.
type Request struct {
	Dialect Dialect
	Text    string
	// ExpressionForm wraps snippet text as "return <text>;".
	ExpressionForm bool
	ReturnType     fields.Class
	ReturnArray    bool
	Available      []Available
	// Nullable marks every field as accepting missing values.
	Nullable  bool
	Imports   []string
	Classpath []string
}

// Unit is a synthesized translation unit.
type Unit struct {
	Dialect Dialect
	// Source is the full rendered unit, written to the artifact directory and
	// fingerprinted.
	Source string
	// Code is what the toolchain compiles.
	Code        string
	Bindings    []Binding
	ReturnType  fields.Class
	ReturnArray bool
	Imports     []string
	Classpath   []string
}

// Declarations renders the field and return declarations, one per line.
func (u *Unit) Declarations() string {
	var b strings.Builder
	for _, bd := range u.Bindings {
		fmt.Fprintf(&b, "%s %s <- %s\n", typeName(bd.Field.Class, bd.Field.Collection), bd.Field.Name, bd.Input)
	}
	fmt.Fprintf(&b, "return %s\n", typeName(u.ReturnType, u.ReturnArray))
	return b.String()
}

// Field returns the declaration bound to in.
func (u *Unit) Field(in fields.InputField) (fields.ExpressionField, bool) {
	for _, b := range u.Bindings {
		if b.Input == in {
			return b.Field, true
		}
	}
	return fields.ExpressionField{}, false
}

func typeName(c fields.Class, array bool) string {
	if array {
		return c.String() + "[]"
	}
	return c.String()
}

// compileError wraps problems found while synthesizing as a compilation failure.
func compileError(msg string, diagnostics ...string) error {
	return schema.NewError(schema.ErrCodeCompilation, msg).
		WithDetails(map[string]any{"diagnostics": diagnostics})
}

// Synthesize resolves the placeholders of req.Text against req.Available and
// renders the unit for req.Dialect.
func Synthesize(req Request) (*Unit, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, compileError("expression is empty")
	}
	if req.ReturnType == 0 {
		req.ReturnType = fields.ClassString
	}

	refs, err := References(req.Dialect, req.Text)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, compileError("malformed placeholder", pe.Error())
		}
		return nil, compileError(err.Error(), err.Error())
	}

	bindings, names, err := resolve(refs, req)
	if err != nil {
		return nil, err
	}

	code, err := Rewrite(req.Dialect, req.Text, func(r Reference) string { return names[r.Input] })
	if err != nil {
		return nil, compileError(err.Error(), err.Error())
	}

	u := &Unit{
		Dialect:     req.Dialect,
		Bindings:    bindings,
		ReturnType:  req.ReturnType,
		ReturnArray: req.ReturnArray,
		Imports:     append([]string(nil), req.Imports...),
		Classpath:   append([]string(nil), req.Classpath...),
	}
	sort.Strings(u.Imports)

	switch req.Dialect {
	case DialectSnippet:
		body := code
		if req.ExpressionForm {
			body = "return " + strings.TrimSuffix(strings.TrimSpace(code), ";") + ";"
		}
		u.Source = renderSnippet(u, body)
		u.Code = u.Source
	case DialectExpression:
		u.Code = strings.TrimSpace(code)
		u.Source = renderHeader(u, "//") + u.Code + "\n"
	case DialectRule:
		translated, err := TranslateRules(code)
		if err != nil {
			return nil, err
		}
		u.Code = translated
		u.Source = renderHeader(u, "//") + commentLines(code, "// rule: ") + translated + "\n"
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown dialect %q", req.Dialect)
	}
	return u, nil
}

// resolve types every reference and assigns unique identifiers.
func resolve(refs []fields.InputField, req Request) ([]Binding, map[fields.InputField]string, error) {
	avail := make(map[fields.InputField]Available, len(req.Available))
	for _, a := range req.Available {
		avail[a.Input] = a
	}

	var (
		bindings []Binding
		problems []string
	)
	names := make(map[fields.InputField]string, len(refs))
	used := map[string]bool{}
	for _, in := range refs {
		var (
			class      fields.Class
			collection bool
		)
		switch in.Type {
		case fields.TableConstant:
			class, _ = fields.ConstantClass(in.Name)
		default:
			a, ok := avail[in]
			if !ok {
				problems = append(problems, fmt.Sprintf("unknown %s %q", in.Type, in.Name))
				continue
			}
			class, collection = a.Class, a.Collection
		}
		id := uniqueIdentifier(identifierFor(in), used)
		names[in] = id
		bindings = append(bindings, Binding{
			Input: in,
			Field: fields.ExpressionField{
				Name:       id,
				Class:      class,
				Collection: collection,
				Nullable:   req.Nullable && in.Type != fields.TableConstant,
			},
		})
	}

	// A typed variable placeholder must match the variable's declared class.
	if err := Scan(req.Dialect, req.Text, func(r Reference) {
		if r.Prefix == 0 {
			return
		}
		if a, ok := avail[r.Input]; ok && variablePrefixes[r.Prefix] != a.Class {
			problems = append(problems, fmt.Sprintf("flow variable %q is %s, referenced as %s",
				r.Input.Name, a.Class, variablePrefixes[r.Prefix]))
		}
	}); err != nil {
		return nil, nil, compileError(err.Error(), err.Error())
	}

	if len(problems) > 0 {
		return nil, nil, compileError(strings.Join(problems, "; "), problems...)
	}
	return bindings, names, nil
}

func identifierFor(in fields.InputField) string {
	switch in.Type {
	case fields.TableConstant:
		return in.Name
	case fields.Variable:
		return "var_" + sanitize(in.Name)
	default:
		return "col_" + sanitize(in.Name)
	}
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func uniqueIdentifier(base string, used map[string]bool) string {
	id := base
	for n := 1; used[id]; n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	used[id] = true
	return id
}

func renderHeader(u *Unit, comment string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s rowscript %s unit\n", comment, u.Dialect)
	if len(u.Imports) > 0 {
		fmt.Fprintf(&b, "%s imports: %s\n", comment, strings.Join(u.Imports, ", "))
	}
	b.WriteString(commentLines(strings.TrimSuffix(u.Declarations(), "\n"), comment+" "))
	return b.String()
}

func commentLines(text, prefix string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// EvaluateFunction is the function every snippet unit defines.
const EvaluateFunction = "__evaluate"

func renderSnippet(u *Unit, body string) string {
	var b strings.Builder
	b.WriteString(renderHeader(u, "//"))
	for _, bd := range u.Bindings {
		fmt.Fprintf(&b, "var %s;\n", bd.Field.Name)
	}
	fmt.Fprintf(&b, "function %s() {\n%s\n}\n", EvaluateFunction, body)
	return b.String()
}
