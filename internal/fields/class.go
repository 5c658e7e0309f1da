package fields

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/rowscript/pkg/table"
)

// Class is the value class an expression sees for a field or a result.
type Class int

const (
	ClassString Class = iota + 1
	ClassInteger
	ClassLong
	ClassDouble
	ClassBoolean
)

var classNames = map[Class]string{
	ClassString:  "String",
	ClassInteger: "Integer",
	ClassLong:    "Long",
	ClassDouble:  "Double",
	ClassBoolean: "Boolean",
}

func (c Class) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

func (c Class) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Class) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, array, err := ClassFromName(name)
	if err != nil {
		return err
	}
	if array {
		return fmt.Errorf("class %q: arrays are expressed with the collection flag", name)
	}
	*c = parsed
	return nil
}

// ClassFromName parses Java-style class names ("String", "java.lang.Integer",
// "int", "Double[]") and reports whether the name denotes an array.
func ClassFromName(name string) (Class, bool, error) {
	n := strings.TrimSpace(name)
	array := false
	if strings.HasSuffix(n, "[]") {
		array = true
		n = strings.TrimSpace(strings.TrimSuffix(n, "[]"))
	}
	n = strings.TrimPrefix(n, "java.lang.")
	switch strings.ToLower(n) {
	case "string":
		return ClassString, array, nil
	case "integer", "int":
		return ClassInteger, array, nil
	case "long":
		return ClassLong, array, nil
	case "double", "float":
		return ClassDouble, array, nil
	case "boolean", "bool":
		return ClassBoolean, array, nil
	}
	return 0, false, fmt.Errorf("unknown class %q", name)
}

// ClassForKind maps a table kind to the class expressions see.
func ClassForKind(k table.Kind) Class {
	switch k {
	case table.KindInt:
		return ClassInteger
	case table.KindLong:
		return ClassLong
	case table.KindDouble:
		return ClassDouble
	case table.KindBoolean:
		return ClassBoolean
	default:
		return ClassString
	}
}

// Kind maps the class back to a table kind.
func (c Class) Kind() table.Kind {
	switch c {
	case ClassInteger:
		return table.KindInt
	case ClassLong:
		return table.KindLong
	case ClassDouble:
		return table.KindDouble
	case ClassBoolean:
		return table.KindBoolean
	default:
		return table.KindString
	}
}

// DataType returns the table type of a value of this class.
func (c Class) DataType(collection bool) table.DataType {
	return table.DataType{Kind: c.Kind(), Collection: collection}
}

// Zero returns the zero value of the class.
func (c Class) Zero() any {
	switch c {
	case ClassInteger:
		return int32(0)
	case ClassLong:
		return int64(0)
	case ClassDouble:
		return float64(0)
	case ClassBoolean:
		return false
	default:
		return ""
	}
}

// Coerce converts v to the class's Go representation (string, int32, int64,
// float64, bool) without losing information. nil passes through.
func (c Class) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c {
	case ClassString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case ClassBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case ClassInteger:
		n, err := integral(v)
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt32 || n < math.MinInt32 {
			return nil, fmt.Errorf("value %d overflows Integer", n)
		}
		return int32(n), nil
	case ClassLong:
		return integral(v)
	case ClassDouble:
		if isNumber(v) {
			return cast.ToFloat64E(v)
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, c)
}

// Accepts reports whether v can be coerced to the class.
func (c Class) Accepts(v any) bool {
	_, err := c.Coerce(v)
	return err == nil
}

func integral(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("value %v is not integral", n)
		}
		return int64(n), nil
	case float32:
		return integral(float64(n))
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return cast.ToInt64E(v)
	case uint, uint64:
		u := cast.ToUint64(v)
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows Long", u)
		}
		return int64(u), nil
	}
	return 0, fmt.Errorf("cannot convert %T to an integral number", v)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}
