// Package manipulators holds the catalog of named operations user expressions
// can call, and the built-in string, replace, convert, hash, JSON and control
// manipulators.
package manipulators

import (
	"fmt"
	"math"

	"github.com/spf13/cast"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/pkg/schema"
)

// Variadic is the NrArgs of manipulators accepting any number of arguments.
const Variadic = -1

// Manipulator is a named operation callable from expressions.
type Manipulator interface {
	Name() string
	// DisplayName is the call template shown to users, e.g. "replace(str, search, replace, modifiers)".
	DisplayName() string
	Category() string
	// NrArgs is the exact argument count, or Variadic.
	NrArgs() int
	Description() string
	ReturnType() fields.Class
	Invoke(args ...any) (any, error)
}

// Func adapts a function to the Manipulator interface.
type Func struct {
	FName     string
	FDisplay  string
	FCategory string
	FArgs     int
	FDesc     string
	FReturn   fields.Class
	Fn        func(args []any) (any, error)
}

func (f *Func) Name() string             { return f.FName }
func (f *Func) DisplayName() string      { return f.FDisplay }
func (f *Func) Category() string         { return f.FCategory }
func (f *Func) NrArgs() int              { return f.FArgs }
func (f *Func) Description() string      { return f.FDesc }
func (f *Func) ReturnType() fields.Class { return f.FReturn }

func (f *Func) Invoke(args ...any) (any, error) {
	if f.FArgs != Variadic && len(args) != f.FArgs {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"%s expects %d arguments, got %d", f.FName, f.FArgs, len(args))
	}
	return f.Fn(args)
}

// Abort returns the error that stops processing on purpose.
func Abort(message string) error {
	return schema.NewError(schema.ErrCodeAborted, message)
}

func argError(name string, i int, want string, got any) error {
	return schema.NewErrorf(schema.ErrCodeEvaluation, "%s: argument %d must be %s, got %T", name, i+1, want, got)
}

// strArg returns args[i] as a string; ok is false when the argument is nil.
func strArg(name string, args []any, i int) (s string, ok bool, err error) {
	switch v := args[i].(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	default:
		return "", false, argError(name, i, "a string", v)
	}
}

// intArg returns args[i] as an int. Integral floats are accepted since the
// snippet runtime represents numbers as float64.
func intArg(name string, args []any, i int) (int, error) {
	switch v := args[i].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, argError(name, i, "an integer", v)
		}
		return int(v), nil
	case float32:
		return intArg(name, []any{float64(v)}, 0)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return cast.ToIntE(v)
	default:
		return 0, argError(name, i, "an integer", v)
	}
}

// stringify renders any argument the way join and string do; nil stays nil.
func stringify(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return fmt.Sprintf("%.1f", x), true
		}
		return cast.ToString(x), true
	default:
		return cast.ToString(x), true
	}
}
