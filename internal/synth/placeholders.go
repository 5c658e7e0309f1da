package synth

import (
	"fmt"
	"strings"

	"github.com/rendis/rowscript/internal/fields"
)

// Reference is one placeholder occurrence in user text.
type Reference struct {
	Input fields.InputField
	// Prefix is the type letter of a flow variable placeholder (S, I, D), or 0.
	Prefix byte
	Start  int
	End    int
}

// CurrentColumn is the dynamic placeholder of the multi-column variant.
const CurrentColumn = "CURRENTCOLUMN"

// variablePrefixes maps flow variable placeholder prefixes to classes.
var variablePrefixes = map[byte]fields.Class{
	'S': fields.ClassString,
	'I': fields.ClassInteger,
	'D': fields.ClassDouble,
}

// PrefixFor returns the placeholder prefix of a flow variable class.
func PrefixFor(c fields.Class) (byte, bool) {
	for p, pc := range variablePrefixes {
		if pc == c {
			return p, true
		}
	}
	return 0, false
}

// VariablePlaceholder renders the placeholder of a typed flow variable.
func VariablePlaceholder(name string, c fields.Class) (string, error) {
	p, ok := PrefixFor(c)
	if !ok {
		return "", fmt.Errorf("flow variables of type %s cannot be referenced", c)
	}
	return "$${" + string(p) + name + "}$$", nil
}

// ParseError locates a malformed placeholder.
type ParseError struct {
	Offset  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("offset %d: %s", e.Offset, e.Message)
}

// Scan walks text calling fn for every placeholder outside string literals
// and comments. Column placeholders are $name$, flow variables $${Tname}$$ and
// table constants $$NAME$$. A backslash before '$' keeps it literal. In the
// snippet dialect regular expression literals are skipped too.
func Scan(d Dialect, text string, fn func(Reference)) error {
	return scanner{dialect: d, onRef: fn}.run(text)
}

type scanner struct {
	dialect Dialect
	// current accepts $$CURRENTCOLUMN$$ as a table constant.
	current  bool
	onRef    func(Reference)
	onEscape func(offset int)
}

func (s scanner) run(text string) error {
	// regex tells whether a '/' at this point starts a regular expression
	// literal rather than a division.
	regex := true
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '"' || c == '\'' || c == '`':
			end, err := skipString(text, i)
			if err != nil {
				return err
			}
			i, regex = end, false
		case strings.HasPrefix(text[i:], "//"):
			end := strings.IndexByte(text[i:], '\n')
			if end < 0 {
				return nil
			}
			i += end
		case strings.HasPrefix(text[i:], "/*"):
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				return &ParseError{Offset: i, Message: "unterminated comment"}
			}
			i += end + 4
		case c == '/' && regex && s.dialect == DialectSnippet:
			if end, ok := skipRegex(text, i); ok {
				i, regex = end, false
				continue
			}
			i++
		case c == '\\' && i+1 < len(text) && text[i+1] == '$':
			if s.onEscape != nil {
				s.onEscape(i)
			}
			i, regex = i+2, false
		case c == '$':
			ref, err := parsePlaceholder(text, i, s.current)
			if err != nil {
				return err
			}
			if s.onRef != nil {
				s.onRef(ref)
			}
			i, regex = ref.End, false
		case isWordByte(c):
			end := i + 1
			for end < len(text) && isWordByte(text[end]) {
				end++
			}
			regex = regexKeywords[text[i:end]]
			i = end
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		default:
			regex = c != ')' && c != ']'
			i++
		}
	}
	return nil
}

// regexKeywords may be followed by a regular expression literal.
var regexKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// skipString returns the offset after the string literal starting at i.
func skipString(text string, i int) (int, error) {
	quote := text[i]
	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			if quote != '`' {
				j++
			}
		case quote:
			return j + 1, nil
		}
	}
	return 0, &ParseError{Offset: i, Message: "unterminated string literal"}
}

// skipRegex returns the offset after the regular expression literal and its
// flags starting at i. ok is false when no literal closes on the same line.
func skipRegex(text string, i int) (end int, ok bool) {
	class := false
	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			j++
		case '\n':
			return 0, false
		case '[':
			class = true
		case ']':
			class = false
		case '/':
			if class {
				continue
			}
			j++
			for j < len(text) && isWordByte(text[j]) {
				j++
			}
			return j, true
		}
	}
	return 0, false
}

func parsePlaceholder(text string, i int, current bool) (Reference, error) {
	rest := text[i:]
	switch {
	case strings.HasPrefix(rest, "$${"):
		end := strings.Index(rest, "}$$")
		if end < 0 {
			return Reference{}, &ParseError{Offset: i, Message: "unterminated flow variable placeholder"}
		}
		inner := rest[3:end]
		if len(inner) < 2 {
			return Reference{}, &ParseError{Offset: i, Message: "flow variable placeholder needs a type letter and a name"}
		}
		prefix := inner[0]
		if _, ok := variablePrefixes[prefix]; !ok {
			return Reference{}, &ParseError{Offset: i, Message: fmt.Sprintf("unknown flow variable type %q", string(prefix))}
		}
		return Reference{Input: fields.VariableField(inner[1:]), Prefix: prefix, Start: i, End: i + end + 3}, nil
	case strings.HasPrefix(rest, "$$"):
		end := strings.Index(rest[2:], "$$")
		if end < 0 {
			return Reference{}, &ParseError{Offset: i, Message: "unterminated table constant placeholder"}
		}
		name := rest[2 : 2+end]
		if !fields.IsReservedConstant(name) && !(current && name == CurrentColumn) {
			return Reference{}, &ParseError{Offset: i, Message: fmt.Sprintf("unknown table constant %q", name)}
		}
		return Reference{Input: fields.ConstantField(name), Start: i, End: i + end + 4}, nil
	default:
		end := strings.IndexByte(rest[1:], '$')
		if end < 0 {
			return Reference{}, &ParseError{Offset: i, Message: "unterminated column placeholder"}
		}
		name := rest[1 : 1+end]
		if name == "" {
			return Reference{}, &ParseError{Offset: i, Message: "empty column name"}
		}
		return Reference{Input: fields.ColumnField(name), Start: i, End: i + end + 2}, nil
	}
}

// References returns the distinct input fields referenced by text, in order of
// first appearance.
func References(d Dialect, text string) ([]fields.InputField, error) {
	seen := map[fields.InputField]bool{}
	var out []fields.InputField
	err := Scan(d, text, func(r Reference) {
		if !seen[r.Input] {
			seen[r.Input] = true
			out = append(out, r.Input)
		}
	})
	return out, err
}

// Rewrite replaces each placeholder with name(ref) and turns \$ outside
// string literals and comments into $.
func Rewrite(d Dialect, text string, name func(Reference) string) (string, error) {
	var b strings.Builder
	last := 0
	err := scanner{
		dialect: d,
		onRef: func(r Reference) {
			b.WriteString(text[last:r.Start])
			b.WriteString(name(r))
			last = r.End
		},
		onEscape: func(i int) {
			b.WriteString(text[last:i])
			b.WriteByte('$')
			last = i + 2
		},
	}.run(text)
	if err != nil {
		return "", err
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// ReplaceCurrentColumn substitutes every $$CURRENTCOLUMN$$ outside string
// literals and comments with repl. Other placeholders and escapes are kept.
func ReplaceCurrentColumn(d Dialect, text, repl string) (string, error) {
	var b strings.Builder
	last := 0
	err := scanner{
		dialect: d,
		current: true,
		onRef: func(r Reference) {
			if r.Input != fields.ConstantField(CurrentColumn) {
				return
			}
			b.WriteString(text[last:r.Start])
			b.WriteString(repl)
			last = r.End
		},
	}.run(text)
	if err != nil {
		return "", err
	}
	b.WriteString(text[last:])
	return b.String(), nil
}
