// Package fields models the typed, named bindings an expression reads: table
// columns, flow variables and the reserved row constants. It also holds the
// ordered conversion table between table cells and the Go values expressions
// see.
package fields

import (
	"fmt"
	"math"

	"github.com/rendis/rowscript/pkg/schema"
)

// FieldType says where an input field's value comes from.
type FieldType int

const (
	Column FieldType = iota + 1
	Variable
	TableConstant
)

func (t FieldType) String() string {
	switch t {
	case Column:
		return "column"
	case Variable:
		return "variable"
	case TableConstant:
		return "constant"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Reserved table constant names.
const (
	RowIndex = "ROWINDEX"
	RowID    = "ROWID"
	RowCount = "ROWCOUNT"
)

// InputField identifies a value source. It is comparable and used as a map key.
type InputField struct {
	Name string
	Type FieldType
}

func (f InputField) String() string {
	return f.Type.String() + ":" + f.Name
}

// ColumnField, VariableField and ConstantField build input fields.
func ColumnField(name string) InputField   { return InputField{Name: name, Type: Column} }
func VariableField(name string) InputField { return InputField{Name: name, Type: Variable} }
func ConstantField(name string) InputField { return InputField{Name: name, Type: TableConstant} }

var (
	RowIndexField = ConstantField(RowIndex)
	RowIDField    = ConstantField(RowID)
	RowCountField = ConstantField(RowCount)
)

// IsReservedConstant reports whether name is one of the row constants.
func IsReservedConstant(name string) bool {
	return name == RowIndex || name == RowID || name == RowCount
}

// ConstantClass returns the class of a reserved row constant.
func ConstantClass(name string) (Class, bool) {
	switch name {
	case RowIndex, RowCount:
		return ClassInteger, true
	case RowID:
		return ClassString, true
	}
	return 0, false
}

// ExpressionField is the compiled-side counterpart of an InputField: the
// identifier used in generated source and the class it is declared with.
type ExpressionField struct {
	Name       string `json:"name"`
	Class      Class  `json:"class"`
	Collection bool   `json:"collection,omitempty"`
	// Nullable fields accept nil and may be omitted from a binding map.
	Nullable bool `json:"nullable,omitempty"`
}

// Coerce converts v to the field's declared class. nil passes through.
func (f ExpressionField) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if !f.Collection {
		return f.Class.Coerce(v)
	}
	elems, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s expects a list of %s, got %T", f.Name, f.Class, v)
	}
	out := make([]any, len(elems))
	for i, e := range elems {
		c, err := f.Class.Coerce(e)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", f.Name, i, err)
		}
		out[i] = c
	}
	return out, nil
}

// RowIndexToInt32 narrows a row index or row count to the 32-bit range
// expressions see, failing instead of wrapping.
func RowIndexToInt32(n int64) (int32, error) {
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0, schema.NewErrorf(schema.ErrCodeArithmetic,
			"row count %d exceeds the supported maximum of %d rows", n, math.MaxInt32)
	}
	return int32(n), nil
}
