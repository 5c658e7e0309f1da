package manipulators

import "github.com/rendis/rowscript/internal/fields"

// Builtins returns every built-in manipulator.
func Builtins() []Manipulator {
	var ms []Manipulator
	ms = append(ms, stringManipulators()...)
	ms = append(ms, replaceManipulators()...)
	ms = append(ms, urlManipulators()...)
	ms = append(ms, convertManipulators()...)
	ms = append(ms, hashManipulators()...)
	ms = append(ms, jsonManipulators()...)
	ms = append(ms, AbortManipulator())
	return ms
}

// AbortManipulator stops processing with the given message. It never returns
// a value; its return type only matters for type guessing.
func AbortManipulator() Manipulator {
	return &Func{
		FName: "abort", FDisplay: "abort(message)", FCategory: CategoryControl, FArgs: 1,
		FDesc:   "Stops the computation with the given message.",
		FReturn: fields.ClassString,
		Fn: func(args []any) (any, error) {
			msg, ok := stringify(args[0])
			if !ok || msg == "" {
				msg = "aborted"
			}
			return nil, Abort(msg)
		},
	}
}
