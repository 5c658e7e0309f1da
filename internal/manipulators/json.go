package manipulators

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/pkg/schema"
)

// jqCache holds compiled jq queries. Rows usually share one query literal, so
// the cache stays small.
type jqCache struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

var queries = &jqCache{cache: make(map[string]*gojq.Code)}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (c *jqCache) getOrCompile(query string) (*gojq.Code, error) {
	c.mu.RLock()
	if code, ok := c.cache[query]; ok {
		c.mu.RUnlock()
		return code, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if code, ok := c.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "jq parse error in %q: %s", query, err).WithCause(err)
	}
	code, err := gojq.Compile(parsed,
		// No $ENV access from user queries.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "jq compile error in %q: %s", query, err).WithCause(err)
	}
	c.cache[query] = code
	return code, nil
}

// JSONQuery runs a jq query against a JSON document. Several outputs are
// joined with newlines; string outputs are returned unquoted and other values
// as compact JSON. No output yields a missing value.
func JSONQuery(document, query string) (any, error) {
	code, err := queries.getOrCompile(query)
	if err != nil {
		return nil, err
	}
	var input any
	if err := json.Unmarshal([]byte(document), &input); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "jsonQuery: invalid JSON: %s", err).WithCause(err)
	}

	var parts []string
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "jq evaluation failed for %q: %s", query, err).WithCause(err)
		}
		if s, isStr := v.(string); isStr {
			parts = append(parts, s)
			continue
		}
		raw, err := gojq.Marshal(v)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "jsonQuery: %s", err).WithCause(err)
		}
		parts = append(parts, string(raw))
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return strings.Join(parts, "\n"), nil
}

func jsonManipulators() []Manipulator {
	return []Manipulator{
		&Func{
			FName: "jsonQuery", FDisplay: "jsonQuery(json, query)", FCategory: CategoryJSON, FArgs: 2,
			FDesc:   "Runs a jq query on a JSON string and returns the result as text.",
			FReturn: fields.ClassString,
			Fn: func(args []any) (any, error) {
				doc, ok, err := strArg("jsonQuery", args, 0)
				if err != nil || !ok {
					return nil, err
				}
				q, ok, err := strArg("jsonQuery", args, 1)
				if err != nil || !ok {
					return nil, err
				}
				return JSONQuery(doc, q)
			},
		},
	}
}
