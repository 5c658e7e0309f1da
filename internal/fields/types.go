package fields

import (
	"fmt"

	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

// SnippetType converts between table cells of compatible kinds and Go values
// of one class.
type SnippetType struct {
	class   Class
	accepts []table.Kind
}

// Class returns the class values of this type are presented as.
func (t SnippetType) Class() Class { return t.class }

// AcceptsKind reports whether cells of kind k convert to this type.
func (t SnippetType) AcceptsKind(k table.Kind) bool {
	for _, a := range t.accepts {
		if a == k {
			return true
		}
	}
	return false
}

// SnippetTypes is the conversion table in lookup order. Lookups take the first
// match, so narrower types come before the ones that also accept them.
var SnippetTypes = []SnippetType{
	{class: ClassBoolean, accepts: []table.Kind{table.KindBoolean}},
	{class: ClassInteger, accepts: []table.Kind{table.KindInt}},
	{class: ClassLong, accepts: []table.Kind{table.KindLong, table.KindInt}},
	{class: ClassDouble, accepts: []table.Kind{table.KindDouble, table.KindLong, table.KindInt}},
	{class: ClassString, accepts: []table.Kind{table.KindString}},
}

// FindType returns the first snippet type accepting dt. Collections resolve
// through their element type.
func FindType(dt table.DataType) (SnippetType, error) {
	for _, t := range SnippetTypes {
		if t.AcceptsKind(dt.Kind) {
			return t, nil
		}
	}
	return SnippetType{}, schema.NewErrorf(schema.ErrCodeValidation, "no expression type accepts column type %s", dt)
}

// TypeForClass returns the snippet type presenting values as c.
func TypeForClass(c Class) (SnippetType, bool) {
	for _, t := range SnippetTypes {
		if t.class == c {
			return t, true
		}
	}
	return SnippetType{}, false
}

// FromCell converts a cell to the Go value bound to an expression field.
// A missing cell becomes nil; missing list elements become nil elements.
func (t SnippetType) FromCell(c table.Cell) (any, error) {
	if c.IsMissing() {
		return nil, nil
	}
	if elems, ok := c.Value().([]any); ok {
		out := make([]any, len(elems))
		for i, e := range elems {
			v, err := t.class.Coerce(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return t.class.Coerce(c.Value())
}

// matches reports whether v is structurally a value of this type, either a
// scalar of the class or a slice whose elements are.
func (t SnippetType) matches(v any) bool {
	switch t.class {
	case ClassBoolean:
		_, ok := v.(bool)
		return ok
	case ClassInteger:
		_, ok := v.(int32)
		return ok
	case ClassLong:
		_, ok := v.(int64)
		return ok
	case ClassDouble:
		_, ok := v.(float64)
		return ok
	case ClassString:
		_, ok := v.(string)
		return ok
	}
	return false
}

func (t SnippetType) scalarCell(v any) table.Cell {
	switch x := v.(type) {
	case bool:
		return table.BoolCell(x)
	case int32:
		return table.IntCell(x)
	case int64:
		return table.LongCell(x)
	case float64:
		return table.DoubleCell(x)
	case string:
		return table.StringCell(x)
	}
	return table.Missing()
}

// ToCell converts an evaluated value (already coerced to its declared class)
// into a cell by scanning SnippetTypes for the first structural match.
// A slice converts element-wise into a list cell.
func ToCell(v any) (table.Cell, error) {
	if v == nil {
		return table.Missing(), nil
	}
	if elems, ok := v.([]any); ok {
		out := make([]any, len(elems))
		var elemType *SnippetType
		for i, e := range elems {
			if e == nil {
				continue
			}
			if elemType == nil {
				t, err := lookupStructural(e)
				if err != nil {
					return table.Missing(), err
				}
				elemType = &t
			}
			if !elemType.matches(e) {
				return table.Missing(), schema.NewErrorf(schema.ErrCodeInternal,
					"mixed element types in list result: %T after %s", e, elemType.class)
			}
			out[i] = e
		}
		return table.ListCell(out), nil
	}
	t, err := lookupStructural(v)
	if err != nil {
		return table.Missing(), err
	}
	return t.scalarCell(v), nil
}

func lookupStructural(v any) (SnippetType, error) {
	for _, t := range SnippetTypes {
		if t.matches(v) {
			return t, nil
		}
	}
	return SnippetType{}, schema.NewError(schema.ErrCodeInternal, fmt.Sprintf("no cell converter for result of type %T", v))
}
