package manipulators

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rendis/rowscript/internal/fields"
)

func replaceManipulators() []Manipulator {
	return []Manipulator{
		&Func{
			FName: "replace", FDisplay: "replace(str, search, replace, modifiers)", FCategory: CategoryReplace, FArgs: 4,
			FDesc: "Replaces all occurrences of search. Modifiers: i ignores case, " +
				"w matches whole words only (word boundaries are whitespace).",
			FReturn: fields.ClassString,
			Fn: func(args []any) (any, error) {
				strs := make([]*string, 4)
				for i := range strs {
					s, ok, err := strArg("replace", args, i)
					if err != nil {
						return nil, err
					}
					if ok {
						strs[i] = &s
					}
				}
				if strs[0] == nil {
					return nil, nil
				}
				if strs[1] == nil || strs[2] == nil {
					return *strs[0], nil
				}
				modifiers := ""
				if strs[3] != nil {
					modifiers = *strs[3]
				}
				return Replace(*strs[0], *strs[1], *strs[2], modifiers), nil
			},
		},
		&Func{
			FName: "replaceChars", FDisplay: "replaceChars(str, chars, replace)", FCategory: CategoryReplace, FArgs: 3,
			FDesc: "Replaces each character of chars by the character at the same position in replace; " +
				"characters without a counterpart are removed.",
			FReturn: fields.ClassString,
			Fn: func(args []any) (any, error) {
				s, ok, err := strArg("replaceChars", args, 0)
				if err != nil || !ok {
					return nil, err
				}
				chars, _, err := strArg("replaceChars", args, 1)
				if err != nil {
					return nil, err
				}
				repl, _, err := strArg("replaceChars", args, 2)
				if err != nil {
					return nil, err
				}
				return ReplaceChars(s, chars, repl), nil
			},
		},
	}
}

// Replace replaces every occurrence of search in str. Modifier "i" ignores
// case and "w" only matches occurrences bounded by whitespace or the string
// ends. Empty str or search returns str unchanged.
func Replace(str, search, replacement, modifiers string) string {
	if str == "" || search == "" {
		return str
	}
	opt := strings.ToLower(modifiers)
	ignoreCase := strings.ContainsRune(opt, 'i')
	words := strings.ContainsRune(opt, 'w')

	haystack, needle := str, search
	if ignoreCase {
		haystack, needle = foldASCII(str), foldASCII(search)
	}

	var b strings.Builder
	start := 0
	for from := 0; from <= len(haystack)-len(needle); {
		idx := strings.Index(haystack[from:], needle)
		if idx < 0 {
			break
		}
		idx += from
		end := idx + len(needle)
		if words && !(boundaryBefore(str, idx) && boundaryAfter(str, end)) {
			_, size := utf8.DecodeRuneInString(haystack[idx:])
			from = idx + size
			continue
		}
		b.WriteString(str[start:idx])
		b.WriteString(replacement)
		start = end
		from = end
	}
	if start == 0 {
		return str
	}
	b.WriteString(str[start:])
	return b.String()
}

// foldASCII lower-cases while keeping byte offsets aligned with the input.
func foldASCII(s string) string {
	return strings.Map(func(r rune) rune {
		l := unicode.ToLower(r)
		if utf8.RuneLen(l) != utf8.RuneLen(r) {
			return r
		}
		return l
	}, s)
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsSpace(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsSpace(r)
}

// ReplaceChars maps each rune of chars to the rune at the same index in
// replacement, deleting runes that have no counterpart.
func ReplaceChars(str, chars, replacement string) string {
	if str == "" || chars == "" {
		return str
	}
	from := []rune(chars)
	to := []rune(replacement)
	return strings.Map(func(r rune) rune {
		for i, c := range from {
			if c == r {
				if i < len(to) {
					return to[i]
				}
				return -1
			}
		}
		return r
	}, str)
}
