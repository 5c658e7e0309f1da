// Package table is the tabular data model the calculators read from and write to:
// typed column specs, cells with an explicit missing state, keyed rows, and a
// column rearranger that appends or replaces computed columns.
package table

import (
	"fmt"
	"strings"
)

// Kind is the scalar kind of a column or of a collection's elements.
type Kind int

const (
	KindString Kind = iota + 1
	KindInt
	KindLong
	KindDouble
	KindBoolean
)

var kindNames = map[Kind]string{
	KindString:  "String",
	KindInt:     "Integer",
	KindLong:    "Long",
	KindDouble:  "Double",
	KindBoolean: "Boolean",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// DataType is a column type: a scalar kind, or a list of that kind.
type DataType struct {
	Kind       Kind `json:"kind"`
	Collection bool `json:"collection,omitempty"`
}

var (
	StringType  = DataType{Kind: KindString}
	IntType     = DataType{Kind: KindInt}
	LongType    = DataType{Kind: KindLong}
	DoubleType  = DataType{Kind: KindDouble}
	BooleanType = DataType{Kind: KindBoolean}
)

// ListOf returns the collection type whose elements are of kind k.
func ListOf(k Kind) DataType {
	return DataType{Kind: k, Collection: true}
}

// ElementType returns the scalar type of a collection's elements, or t itself.
func (t DataType) ElementType() DataType {
	return DataType{Kind: t.Kind}
}

func (t DataType) String() string {
	if t.Collection {
		return "List<" + t.Kind.String() + ">"
	}
	return t.Kind.String()
}

// ParseDataType accepts the names produced by String plus common lower-case
// aliases ("string", "int", "long", "double", "bool", "list<int>", "int[]").
func ParseDataType(s string) (DataType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	collection := false
	switch {
	case strings.HasPrefix(name, "list<") && strings.HasSuffix(name, ">"):
		name = strings.TrimSuffix(strings.TrimPrefix(name, "list<"), ">")
		collection = true
	case strings.HasSuffix(name, "[]"):
		name = strings.TrimSuffix(name, "[]")
		collection = true
	}

	var k Kind
	switch name {
	case "string", "str", "":
		k = KindString
	case "int", "integer", "int32":
		k = KindInt
	case "long", "int64":
		k = KindLong
	case "double", "float", "float64", "number":
		k = KindDouble
	case "bool", "boolean":
		k = KindBoolean
	default:
		return DataType{}, fmt.Errorf("unknown data type %q", s)
	}
	return DataType{Kind: k, Collection: collection}, nil
}

// IsNumeric reports whether t is a scalar Int, Long or Double type.
func (t DataType) IsNumeric() bool {
	if t.Collection {
		return false
	}
	return t.Kind == KindInt || t.Kind == KindLong || t.Kind == KindDouble
}
