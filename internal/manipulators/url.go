package manipulators

import (
	"net/url"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/pkg/schema"
)

// DefaultCharset is the charset urlEncode(str) and urlEncode(scope, str) use.
const DefaultCharset = "UTF-8"

func urlManipulators() []Manipulator {
	return []Manipulator{
		&Func{
			FName: "urlEncode", FDisplay: "urlEncode(str)", FCategory: CategoryReplace, FArgs: 1,
			FDesc: "Form-encodes a string: letters, digits and . - * _ stay, space becomes +, " +
				"everything else becomes %XX of its UTF-8 bytes.",
			FReturn: fields.ClassString,
			Fn: func(args []any) (any, error) {
				s, ok, err := strArg("urlEncode", args, 0)
				if err != nil || !ok {
					return nil, err
				}
				return URLEncode(s, DefaultCharset)
			},
		},
		&Func{
			FName: "urlEncode", FDisplay: "urlEncode(scope, str)", FCategory: CategoryReplace, FArgs: 2,
			FDesc: `Encodes only one part of a URL. Scope "query" encodes everything after the question mark, ` +
				`scope "path" encodes each segment between host and query. Other scopes leave the URL unchanged.`,
			FReturn: fields.ClassString,
			Fn: func(args []any) (any, error) {
				scope, _, err := strArg("urlEncode", args, 0)
				if err != nil {
					return nil, err
				}
				s, ok, err := strArg("urlEncode", args, 1)
				if err != nil || !ok {
					return nil, err
				}
				return URLEncodeScope(scope, s)
			},
		},
		&Func{
			FName: "urlEncodeCharset", FDisplay: "urlEncodeCharset(str, charset)", FCategory: CategoryReplace, FArgs: 2,
			FDesc:   "Like urlEncode(str) with the bytes of the given charset. An unknown charset yields a missing value.",
			FReturn: fields.ClassString,
			Fn: func(args []any) (any, error) {
				s, ok, err := strArg("urlEncodeCharset", args, 0)
				if err != nil || !ok {
					return nil, err
				}
				cs, ok, err := strArg("urlEncodeCharset", args, 1)
				if err != nil || !ok {
					return nil, err
				}
				out, err := URLEncode(s, cs)
				if schema.Code(err) == schema.ErrCodeNotFound {
					return nil, nil
				}
				return out, err
			},
		},
		&Func{
			FName: "urlDecode", FDisplay: "urlDecode(str)", FCategory: CategoryReplace, FArgs: 1,
			FDesc:   "Decodes a form-encoded string: + becomes space and %XX sequences become UTF-8 bytes.",
			FReturn: fields.ClassString,
			Fn: func(args []any) (any, error) {
				s, ok, err := strArg("urlDecode", args, 0)
				if err != nil || !ok {
					return nil, err
				}
				out, err := url.QueryUnescape(s)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "urlDecode: %v", err).WithCause(err)
				}
				return out, nil
			},
		},
	}
}

// lookupCharset resolves a charset name case-insensitively.
func lookupCharset(name string) (encoding.Encoding, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "UTF-8", "UTF8":
		return unicode.UTF8, true
	case "UTF-16":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), true
	case "UTF-16BE":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), true
	case "UTF-16LE":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), true
	case "ISO-8859-1", "ISO8859-1", "LATIN1":
		return charmap.ISO8859_1, true
	case "US-ASCII", "ASCII":
		return nil, true
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, false
	}
	return enc, true
}

func isUnreserved(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '.' || c == '-' || c == '*' || c == '_'
}

const hexDigits = "0123456789ABCDEF"

// URLEncode form-encodes s with the bytes of charset. Runs of characters that
// need escaping are converted to bytes together, so charsets with a byte order
// mark emit one mark per run. Characters the charset cannot represent become
// '?'. An unknown charset fails with NOT_FOUND.
func URLEncode(s, charset string) (string, error) {
	enc, ok := lookupCharset(charset)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "unsupported charset %q", charset)
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case isUnreserved(c):
			b.WriteByte(c)
			i++
		case c == ' ':
			b.WriteByte('+')
			i++
		default:
			j := i + 1
			for j < len(s) && !isUnreserved(s[j]) && s[j] != ' ' {
				j++
			}
			for _, by := range encodeRun(s[i:j], enc) {
				b.WriteByte('%')
				b.WriteByte(hexDigits[by>>4])
				b.WriteByte(hexDigits[by&0x0F])
			}
			i = j
		}
	}
	return b.String(), nil
}

// encodeRun converts a run of characters to bytes; a nil encoding is US-ASCII.
func encodeRun(run string, enc encoding.Encoding) []byte {
	if enc == nil {
		out := make([]byte, 0, len(run))
		for _, r := range run {
			if r < 0x80 {
				out = append(out, byte(r))
			} else {
				out = append(out, '?')
			}
		}
		return out
	}
	if out, err := enc.NewEncoder().String(run); err == nil {
		return []byte(out)
	}
	var out []byte
	for _, r := range run {
		part, err := enc.NewEncoder().String(string(r))
		if err != nil {
			part = "?"
		}
		out = append(out, part...)
	}
	return out
}

// URLEncodeScope encodes one part of a URL. Scope is matched case-insensitively
// after trimming. A URL without the requested part is returned unchanged.
func URLEncodeScope(scope, s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(scope)) {
	case "query":
		q := strings.IndexByte(s, '?')
		if q < 0 {
			return s, nil
		}
		end := len(s)
		if h := strings.IndexByte(s[q+1:], '#'); h >= 0 {
			end = q + 1 + h
		}
		enc, err := URLEncode(s[q+1:end], DefaultCharset)
		if err != nil {
			return "", err
		}
		return s[:q+1] + enc + s[end:], nil
	case "path":
		start, end := pathBounds(s)
		if start < 0 || start >= end {
			return s, nil
		}
		segments := strings.Split(s[start:end], "/")
		for i, seg := range segments {
			enc, err := URLEncode(seg, DefaultCharset)
			if err != nil {
				return "", err
			}
			segments[i] = strings.ReplaceAll(enc, "+", "%20")
		}
		return s[:start] + strings.Join(segments, "/") + s[end:], nil
	default:
		return s, nil
	}
}

// pathBounds locates the path: from the first '/' after the authority up to
// the first '?' or '#'. start is -1 when there is no path.
func pathBounds(s string) (start, end int) {
	end = len(s)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		end = i
	}
	from := 0
	if i := strings.Index(s[:end], "://"); i >= 0 {
		from = i + len("://")
	}
	slash := strings.IndexByte(s[from:end], '/')
	if slash < 0 {
		return -1, end
	}
	return from + slash, end
}
