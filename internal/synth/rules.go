package synth

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/rowscript/internal/fields"
)

type tokenKind int

const (
	tokIdent tokenKind = iota + 1
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(line string) ([]token, error) {
	var toks []token
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '"' || c == '\'':
			end, err := skipString(line, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, line[i:end]})
			i = end
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(line) && (line[j] >= '0' && line[j] <= '9' || line[j] == '.' ||
				line[j] == 'e' || line[j] == 'E' ||
				(line[j] == '-' || line[j] == '+') && (line[j-1] == 'e' || line[j-1] == 'E')) {
				j++
			}
			toks = append(toks, token{tokNumber, line[i:j]})
			i = j
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			j := i
			for j < len(line) && (line[j] == '_' || line[j] >= 'a' && line[j] <= 'z' ||
				line[j] >= 'A' && line[j] <= 'Z' || line[j] >= '0' && line[j] <= '9') {
				j++
			}
			toks = append(toks, token{tokIdent, line[i:j]})
			i = j
		default:
			op := string(c)
			if i+1 < len(line) {
				switch two := line[i : i+2]; two {
				case "=>", "<=", ">=", "!=", "==", "&&", "||":
					op = two
				}
			}
			if !strings.Contains("=<>!+-*/%&|", op[:1]) {
				return nil, fmt.Errorf("unexpected character %q", c)
			}
			toks = append(toks, token{tokOp, op})
			i += len(op)
		}
	}
	return toks, nil
}

// ruleLine is one "condition => outcome" rule.
type ruleLine struct {
	number    int
	condition []token
	outcome   []token
}

func parseRules(text string) ([]ruleLine, []string) {
	var (
		rules    []ruleLine
		problems []string
	)
	for n, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		toks, err := tokenize(line)
		if err != nil {
			problems = append(problems, fmt.Sprintf("line %d: %s", n+1, err))
			continue
		}
		arrow := -1
		for i, t := range toks {
			if t.kind == tokOp && t.text == "=>" {
				arrow = i
				break
			}
		}
		if arrow < 0 {
			problems = append(problems, fmt.Sprintf("line %d: missing =>", n+1))
			continue
		}
		if arrow == 0 || arrow == len(toks)-1 {
			problems = append(problems, fmt.Sprintf("line %d: rule needs a condition and an outcome", n+1))
			continue
		}
		rules = append(rules, ruleLine{number: n + 1, condition: toks[:arrow], outcome: toks[arrow+1:]})
	}
	return rules, problems
}

// TranslateRules converts rules whose placeholders are already rewritten into
// one CEL expression. Rules are tried top to bottom; the first matching rule
// yields its outcome, no match yields null. Comparisons on a missing column
// value are false.
func TranslateRules(text string) (string, error) {
	rules, problems := parseRules(text)
	if len(rules) == 0 && len(problems) == 0 {
		problems = append(problems, "no rules")
	}

	conds := make([]string, 0, len(rules))
	outs := make([]string, 0, len(rules))
	for _, r := range rules {
		cond, guards, err := translateTokens(r.condition)
		if err != nil {
			problems = append(problems, fmt.Sprintf("line %d: %s", r.number, err))
			continue
		}
		out, _, err := translateTokens(r.outcome)
		if err != nil {
			problems = append(problems, fmt.Sprintf("line %d: %s", r.number, err))
			continue
		}
		if len(guards) > 0 {
			parts := make([]string, 0, len(guards)+1)
			for _, g := range guards {
				parts = append(parts, g+" != null")
			}
			cond = strings.Join(append(parts, "("+cond+")"), " && ")
		}
		conds = append(conds, cond)
		outs = append(outs, out)
	}
	if len(problems) > 0 {
		return "", compileError(strings.Join(problems, "; "), problems...)
	}

	expr := "null"
	for i := len(conds) - 1; i >= 0; i-- {
		expr = fmt.Sprintf("(%s) ? dyn(%s) : %s", conds[i], outs[i], expr)
	}
	return expr, nil
}

func isFieldIdent(s string) bool {
	return strings.HasPrefix(s, "col_") || strings.HasPrefix(s, "var_")
}

// translateTokens rewrites rule keywords into CEL and returns the field
// identifiers that must be non-null for the expression to be meaningful.
func translateTokens(toks []token) (string, []string, error) {
	var (
		parts   []string
		guards  []string
		guarded = map[string]bool{}
		closeIn = map[int]bool{}
		depth   int
	)
	addGuard := func(id string) {
		if !guarded[id] {
			guarded[id] = true
			guards = append(guards, id)
		}
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokIdent:
			switch t.text {
			case "AND":
				parts = append(parts, "&&")
			case "OR":
				parts = append(parts, "||")
			case "NOT":
				parts = append(parts, "!")
			case "TRUE":
				parts = append(parts, "true")
			case "FALSE":
				parts = append(parts, "false")
			case "MISSING":
				if i+1 >= len(toks) || toks[i+1].kind != tokIdent {
					return "", nil, fmt.Errorf("MISSING needs a column or variable")
				}
				i++
				parts = append(parts, "("+toks[i].text+" == null)")
				// Referenced only through MISSING: no guard.
			case "LIKE", "MATCHES":
				if len(parts) == 0 {
					return "", nil, fmt.Errorf("%s needs a left operand", t.text)
				}
				if i+1 >= len(toks) || toks[i+1].kind != tokString {
					return "", nil, fmt.Errorf("%s needs a string literal pattern", t.text)
				}
				i++
				pattern, err := unquote(toks[i].text)
				if err != nil {
					return "", nil, err
				}
				re := "^(?:" + pattern + ")$"
				if t.text == "LIKE" {
					re = wildcardToRegex(pattern)
				}
				if _, err := regexp.Compile(re); err != nil {
					return "", nil, fmt.Errorf("invalid pattern %q: %v", pattern, err)
				}
				last := len(parts) - 1
				parts[last] = parts[last] + ".matches(" + strconv.Quote(re) + ")"
			case "IN":
				if i+1 >= len(toks) || toks[i+1].kind != tokLParen {
					return "", nil, fmt.Errorf("IN needs a parenthesized list")
				}
				i++
				depth++
				closeIn[depth] = true
				parts = append(parts, "in", "[")
			default:
				if isFieldIdent(t.text) {
					addGuard(t.text)
				}
				parts = append(parts, t.text)
			}
		case tokOp:
			if t.text == "=" {
				parts = append(parts, "==")
			} else {
				parts = append(parts, t.text)
			}
		case tokLParen:
			depth++
			parts = append(parts, "(")
		case tokRParen:
			if depth == 0 {
				return "", nil, fmt.Errorf("unbalanced parenthesis")
			}
			if closeIn[depth] {
				delete(closeIn, depth)
				parts = append(parts, "]")
			} else {
				parts = append(parts, ")")
			}
			depth--
		default:
			parts = append(parts, t.text)
		}
	}
	if depth != 0 {
		return "", nil, fmt.Errorf("unbalanced parenthesis")
	}
	return joinParts(parts), guards, nil
}

func joinParts(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 && p != "," && p != ")" && p != "]" && parts[i-1] != "(" && parts[i-1] != "[" && parts[i-1] != "!" {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

func unquote(lit string) (string, error) {
	if strings.HasPrefix(lit, "'") {
		lit = `"` + strings.ReplaceAll(strings.Trim(lit, "'"), `"`, `\"`) + `"`
	}
	s, err := strconv.Unquote(lit)
	if err != nil {
		return "", fmt.Errorf("invalid string literal %s", lit)
	}
	return s, nil
}

// wildcardToRegex converts a LIKE pattern (* any sequence, ? one character)
// into an anchored regular expression.
func wildcardToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// GuessRuleReturnType infers the result class of a rule set from its
// outcomes: literals by their syntax, placeholders by the referenced field.
// Mixed numeric outcomes widen; anything else mixed is String.
func GuessRuleReturnType(text string, available []Available) fields.Class {
	avail := make(map[fields.InputField]fields.Class, len(available))
	for _, a := range available {
		avail[a.Input] = a.Class
	}
	refs := map[string]fields.InputField{}
	n := 0
	rewritten, err := Rewrite(DialectRule, text, func(r Reference) string {
		id := fmt.Sprintf("ref%d", n)
		n++
		refs[id] = r.Input
		return id
	})
	if err != nil {
		return fields.ClassString
	}
	rules, _ := parseRules(rewritten)

	var result fields.Class
	for _, r := range rules {
		c := outcomeClass(r.outcome, refs, avail)
		switch {
		case result == 0:
			result = c
		case result == c:
		case isNumericClass(result) && isNumericClass(c):
			result = widen(result, c)
		default:
			return fields.ClassString
		}
	}
	if result == 0 {
		return fields.ClassString
	}
	return result
}

func outcomeClass(toks []token, refs map[string]fields.InputField, avail map[fields.InputField]fields.Class) fields.Class {
	if len(toks) == 2 && toks[0].kind == tokOp && toks[0].text == "-" && toks[1].kind == tokNumber {
		toks = toks[1:]
	}
	if len(toks) != 1 {
		return fields.ClassString
	}
	t := toks[0]
	switch t.kind {
	case tokString:
		return fields.ClassString
	case tokNumber:
		if strings.ContainsAny(t.text, ".eE") {
			return fields.ClassDouble
		}
		if v, err := strconv.ParseInt(t.text, 10, 64); err == nil && (v > 1<<31-1) {
			return fields.ClassLong
		}
		return fields.ClassInteger
	case tokIdent:
		switch t.text {
		case "TRUE", "FALSE":
			return fields.ClassBoolean
		}
		if in, ok := refs[t.text]; ok {
			if in.Type == fields.TableConstant {
				c, _ := fields.ConstantClass(in.Name)
				return c
			}
			if c, ok := avail[in]; ok {
				return c
			}
		}
	}
	return fields.ClassString
}

func isNumericClass(c fields.Class) bool {
	return c == fields.ClassInteger || c == fields.ClassLong || c == fields.ClassDouble
}

func widen(a, b fields.Class) fields.Class {
	if a == fields.ClassDouble || b == fields.ClassDouble {
		return fields.ClassDouble
	}
	if a == fields.ClassLong || b == fields.ClassLong {
		return fields.ClassLong
	}
	return fields.ClassInteger
}
