package script

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/expressions"
	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

// Expression is a compiled unit shared by every consumer of one node.
// It holds one reference on its cache entry until Close. Safe for concurrent
// use; each consumer evaluates through its own Instance.
type Expression struct {
	id     string
	handle *artifact.Handle
	unit   *synth.Unit
	fields map[fields.InputField]fields.ExpressionField
	logger *slog.Logger

	closeOnce sync.Once
}

// Compile synthesizes req and acquires the compiled program from cache.
// A nil cache means artifact.Default().
func Compile(cache *artifact.Cache, req synth.Request) (*Expression, error) {
	if cache == nil {
		cache = artifact.Default()
	}
	unit, err := synth.Synthesize(req)
	if err != nil {
		return nil, err
	}
	h, err := cache.Acquire(unit)
	if err != nil {
		return nil, err
	}
	return newExpression(h), nil
}

func newExpression(h *artifact.Handle) *Expression {
	unit := h.Unit()
	fm := make(map[fields.InputField]fields.ExpressionField, len(unit.Bindings))
	for _, b := range unit.Bindings {
		fm[b.Input] = b.Field
	}
	id := uuid.NewString()
	return &Expression{
		id:     id,
		handle: h,
		unit:   unit,
		fields: fm,
		logger: h.Logger().With("expression_id", id, "fingerprint", h.Fingerprint()[:12]),
	}
}

// ID is unique per Expression value, not per fingerprint.
func (e *Expression) ID() string { return e.id }

// Fingerprint identifies the compiled unit.
func (e *Expression) Fingerprint() string { return e.handle.Fingerprint() }

// Dir is the artifact directory backing the expression.
func (e *Expression) Dir() string { return e.handle.Dir() }

// Unit returns the synthesized unit.
func (e *Expression) Unit() *synth.Unit { return e.unit }

// ReturnType returns the declared result class and whether it is a list.
func (e *Expression) ReturnType() (fields.Class, bool) {
	return e.unit.ReturnType, e.unit.ReturnArray
}

// FieldMap returns the input fields the unit reads, with their declarations.
func (e *Expression) FieldMap() map[fields.InputField]fields.ExpressionField {
	out := make(map[fields.InputField]fields.ExpressionField, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// NeedsInputField reports whether in is read by the unit, so callers can skip
// materializing unused columns.
func (e *Expression) NeedsInputField(in fields.InputField) bool {
	_, ok := e.fields[in]
	return ok
}

// NewInstance creates an unbound instance with its own evaluation frame.
func (e *Expression) NewInstance() (*Instance, error) {
	frame, err := e.handle.Program().NewFrame()
	if err != nil {
		return nil, err
	}
	return &Instance{
		expr:     e,
		frame:    frame,
		bindings: make(map[string]any, len(e.unit.Bindings)),
	}, nil
}

// Close releases the expression's cache reference. The artifact directory is
// deleted once no other expression or settings slot references it.
func (e *Expression) Close() {
	e.closeOnce.Do(func() {
		e.handle.Release()
		e.logger.Debug("expression closed")
	})
}

// Instance binds one row of values and evaluates the expression. Not safe
// for concurrent use.
type Instance struct {
	expr     *Expression
	frame    expressions.Frame
	bindings map[string]any
	bound    bool
}

// Set validates and binds values for the next evaluation. Every field the unit
// declares must be present unless it is nullable; values are coerced to the
// declared class. Fields the unit does not read are ignored.
func (i *Instance) Set(values map[fields.InputField]any) error {
	i.bound = false
	clear(i.bindings)
	for _, b := range i.expr.unit.Bindings {
		v, ok := values[b.Input]
		if !ok || v == nil {
			if !b.Field.Nullable {
				return schema.NewErrorf(schema.ErrCodeIllegalProperty, "no value for required field %s", b.Input)
			}
			i.bindings[b.Field.Name] = nil
			continue
		}
		cv, err := b.Field.Coerce(v)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeIllegalProperty, "incompatible value for %s: %v", b.Input, err).WithCause(err)
		}
		i.bindings[b.Field.Name] = cv
	}
	i.bound = true
	return nil
}

// Evaluate runs the expression with the bound values and converts the result
// to the declared return type. Errors keep their classification: ABORTED,
// EVALUATION_FAILED, ILLEGAL_PROPERTY or a context error.
func (i *Instance) Evaluate(ctx context.Context) (any, error) {
	if !i.bound {
		return nil, schema.NewError(schema.ErrCodeIllegalProperty, "evaluate called before set")
	}
	out, err := i.frame.Run(ctx, i.bindings)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	ret := fields.ExpressionField{Name: "result", Class: i.expr.unit.ReturnType, Collection: i.expr.unit.ReturnArray}
	if ret.Collection {
		out = asList(out)
	}
	v, err := ret.Coerce(out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "result does not fit return type %s: %v",
			typeName(ret), err).WithCause(err)
	}
	return v, nil
}

func typeName(f fields.ExpressionField) string {
	if f.Collection {
		return f.Class.String() + "[]"
	}
	return f.Class.String()
}

// asList widens typed slices produced by the toolchains to []any.
func asList(v any) any {
	switch s := v.(type) {
	case []string:
		return toAny(s)
	case []int64:
		return toAny(s)
	case []int32:
		return toAny(s)
	case []float64:
		return toAny(s)
	case []bool:
		return toAny(s)
	}
	return v
}

func toAny[T any](s []T) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
