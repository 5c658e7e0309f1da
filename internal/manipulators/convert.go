package manipulators

import (
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/pkg/schema"
)

func convertManipulators() []Manipulator {
	return []Manipulator{
		&Func{
			FName: "toInt", FDisplay: "toInt(str)", FCategory: CategoryConvert, FArgs: 1,
			FDesc: "Parses a decimal integer.", FReturn: fields.ClassInteger,
			Fn: func(args []any) (any, error) {
				s, ok, err := strArg("toInt", args, 0)
				if err != nil || !ok {
					return nil, err
				}
				n, err := cast.ToInt32E(strings.TrimSpace(s))
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "toInt: %q is not an integer", s).WithCause(err)
				}
				return n, nil
			},
		},
		&Func{
			FName: "toLong", FDisplay: "toLong(str)", FCategory: CategoryConvert, FArgs: 1,
			FDesc: "Parses a decimal long integer.", FReturn: fields.ClassLong,
			Fn: func(args []any) (any, error) {
				s, ok, err := strArg("toLong", args, 0)
				if err != nil || !ok {
					return nil, err
				}
				n, err := cast.ToInt64E(strings.TrimSpace(s))
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "toLong: %q is not an integer", s).WithCause(err)
				}
				return n, nil
			},
		},
		&Func{
			FName: "toDouble", FDisplay: "toDouble(str)", FCategory: CategoryConvert, FArgs: 1,
			FDesc: "Parses a floating point number.", FReturn: fields.ClassDouble,
			Fn: func(args []any) (any, error) {
				s, ok, err := strArg("toDouble", args, 0)
				if err != nil || !ok {
					return nil, err
				}
				f, err := cast.ToFloat64E(strings.TrimSpace(s))
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "toDouble: %q is not a number", s).WithCause(err)
				}
				return f, nil
			},
		},
		&Func{
			FName: "toBoolean", FDisplay: "toBoolean(str)", FCategory: CategoryConvert, FArgs: 1,
			FDesc: `True if the string equals "true" ignoring case, false otherwise.`, FReturn: fields.ClassBoolean,
			Fn: func(args []any) (any, error) {
				s, ok, err := strArg("toBoolean", args, 0)
				if err != nil || !ok {
					return nil, err
				}
				return strings.EqualFold(strings.TrimSpace(s), "true"), nil
			},
		},
	}
}
