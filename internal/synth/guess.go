package synth

import (
	"strings"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/manipulators"
)

// GuessReturnType takes the return type of the manipulator the expression
// starts with, e.g. "length($A$)" is Integer. Anything else is String.
// Compilation validates the guess.
func GuessReturnType(expression string, catalog *manipulators.Catalog) fields.Class {
	text := strings.TrimSpace(expression)
	open := strings.IndexByte(text, '(')
	if open <= 0 {
		return fields.ClassString
	}
	name := strings.TrimSpace(text[:open])
	ms := catalog.Lookup(name)
	if len(ms) == 0 {
		return fields.ClassString
	}
	return ms[0].ReturnType()
}
