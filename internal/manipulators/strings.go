package manipulators

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rendis/rowscript/internal/fields"
)

// Category names.
const (
	CategoryString  = "String"
	CategoryReplace = "Replace"
	CategoryConvert = "Convert"
	CategoryHash    = "Hash"
	CategoryJSON    = "JSON"
	CategoryControl = "Control"
)

// unary builds a null-preserving String -> String manipulator.
func unary(name, desc string, fn func(string) string) *Func {
	return &Func{
		FName: name, FDisplay: name + "(str)", FCategory: CategoryString, FArgs: 1,
		FDesc: desc, FReturn: fields.ClassString,
		Fn: func(args []any) (any, error) {
			s, ok, err := strArg(name, args, 0)
			if err != nil || !ok {
				return nil, err
			}
			return fn(s), nil
		},
	}
}

func stringManipulators() []Manipulator {
	return []Manipulator{
		unary("upperCase", "Converts all characters to upper case.", strings.ToUpper),
		unary("lowerCase", "Converts all characters to lower case.", strings.ToLower),
		unary("capitalize", "Capitalizes all whitespace separated words.", capitalize),
		unary("strip", "Removes leading and trailing whitespace.", strings.TrimSpace),
		unary("stripStart", "Removes leading whitespace.", func(s string) string {
			return strings.TrimLeftFunc(s, unicode.IsSpace)
		}),
		unary("stripEnd", "Removes trailing whitespace.", func(s string) string {
			return strings.TrimRightFunc(s, unicode.IsSpace)
		}),
		unary("reverse", "Reverses the characters of a string.", reverse),
		&Func{
			FName: "length", FDisplay: "length(str)", FCategory: CategoryString, FArgs: 1,
			FDesc: "Number of characters of a string, 0 for a missing value.", FReturn: fields.ClassInteger,
			Fn: func(args []any) (any, error) {
				s, _, err := strArg("length", args, 0)
				if err != nil {
					return nil, err
				}
				return int32(utf8.RuneCountInString(s)), nil
			},
		},
		&Func{
			FName: "indexOf", FDisplay: "indexOf(str, toSearch)", FCategory: CategoryString, FArgs: 2,
			FDesc: "Index of the first occurrence of toSearch, or -1.", FReturn: fields.ClassInteger,
			Fn: func(args []any) (any, error) {
				s, ok, err := strArg("indexOf", args, 0)
				if err != nil {
					return nil, err
				}
				search, ok2, err := strArg("indexOf", args, 1)
				if err != nil {
					return nil, err
				}
				if !ok || !ok2 {
					return int32(-1), nil
				}
				idx := strings.Index(s, search)
				if idx < 0 {
					return int32(-1), nil
				}
				return int32(utf8.RuneCountInString(s[:idx])), nil
			},
		},
		substr(2), substr(3),
		&Func{
			FName: "join", FDisplay: "join(str, ...)", FCategory: CategoryString, FArgs: Variadic,
			FDesc: "Concatenates its arguments; missing values are skipped.", FReturn: fields.ClassString,
			Fn: func(args []any) (any, error) {
				var b strings.Builder
				for _, a := range args {
					if s, ok := stringify(a); ok {
						b.WriteString(s)
					}
				}
				return b.String(), nil
			},
		},
		&Func{
			FName: "string", FDisplay: "string(x)", FCategory: CategoryString, FArgs: 1,
			FDesc: "Converts any value to its string representation.", FReturn: fields.ClassString,
			Fn: func(args []any) (any, error) {
				s, ok := stringify(args[0])
				if !ok {
					return nil, nil
				}
				return s, nil
			},
		},
		pad("padLeft", 2), pad("padLeft", 3), pad("padRight", 2), pad("padRight", 3),
	}
}

func capitalize(s string) string {
	runes := []rune(s)
	start := true
	for i, r := range runes {
		if unicode.IsSpace(r) {
			start = true
			continue
		}
		if start {
			runes[i] = unicode.ToTitle(r)
			start = false
		}
	}
	return string(runes)
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func substr(nargs int) *Func {
	display := "substr(str, start)"
	if nargs == 3 {
		display = "substr(str, start, length)"
	}
	return &Func{
		FName: "substr", FDisplay: display, FCategory: CategoryString, FArgs: nargs,
		FDesc: "Substring from the 0-based start index, optionally limited to length characters. " +
			"Indices outside the string are clamped.",
		FReturn: fields.ClassString,
		Fn: func(args []any) (any, error) {
			s, ok, err := strArg("substr", args, 0)
			if err != nil || !ok {
				return nil, err
			}
			start, err := intArg("substr", args, 1)
			if err != nil {
				return nil, err
			}
			runes := []rune(s)
			start = clamp(start, 0, len(runes))
			end := len(runes)
			if nargs == 3 {
				length, err := intArg("substr", args, 2)
				if err != nil {
					return nil, err
				}
				end = clamp(start+max(length, 0), start, len(runes))
			}
			return string(runes[start:end]), nil
		},
	}
}

func pad(name string, nargs int) *Func {
	display := name + "(str, size)"
	if nargs == 3 {
		display = name + "(str, size, chars)"
	}
	left := name == "padLeft"
	return &Func{
		FName: name, FDisplay: display, FCategory: CategoryString, FArgs: nargs,
		FDesc:   "Pads the string to size characters with spaces or the given characters.",
		FReturn: fields.ClassString,
		Fn: func(args []any) (any, error) {
			s, ok, err := strArg(name, args, 0)
			if err != nil || !ok {
				return nil, err
			}
			size, err := intArg(name, args, 1)
			if err != nil {
				return nil, err
			}
			fill := " "
			if nargs == 3 {
				f, ok, err := strArg(name, args, 2)
				if err != nil {
					return nil, err
				}
				if ok && f != "" {
					fill = f
				}
			}
			missing := size - utf8.RuneCountInString(s)
			if missing <= 0 {
				return s, nil
			}
			fillRunes := []rune(fill)
			padding := make([]rune, missing)
			for i := range padding {
				padding[i] = fillRunes[i%len(fillRunes)]
			}
			if left {
				return string(padding) + s, nil
			}
			return s + string(padding), nil
		},
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
