package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	nodeIDKey ctxKey = iota
	rowKeyKey
	fingerprintKey
	partitionKey
)

var attrNames = [...]string{
	nodeIDKey:      "node_id",
	rowKeyKey:      "row_key",
	fingerprintKey: "fingerprint",
	partitionKey:   "partition",
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithRowKey returns a context with the key of the row being evaluated.
func WithRowKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, rowKeyKey, key)
}

// WithFingerprint returns a context with the fingerprint of the compiled unit.
func WithFingerprint(ctx context.Context, fp string) context.Context {
	return context.WithValue(ctx, fingerprintKey, fp)
}

// WithPartition returns a context with the index of the table partition
// being evaluated.
func WithPartition(ctx context.Context, p int) context.Context {
	return context.WithValue(ctx, partitionKey, p)
}

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// RowKey extracts the row key from the context, or "" if absent.
func RowKey(ctx context.Context) string {
	v, _ := ctx.Value(rowKeyKey).(string)
	return v
}

// Fingerprint extracts the unit fingerprint from the context, or "" if absent.
func Fingerprint(ctx context.Context) string {
	v, _ := ctx.Value(fingerprintKey).(string)
	return v
}

// Partition extracts the partition index from the context; ok is false when
// the work is not partitioned.
func Partition(ctx context.Context) (p int, ok bool) {
	p, ok = ctx.Value(partitionKey).(int)
	return p, ok
}

// attrs returns the set correlation values of ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for k, name := range attrNames {
		switch v := ctx.Value(ctxKey(k)).(type) {
		case string:
			if v != "" {
				out = append(out, slog.String(name, v))
			}
		case int:
			out = append(out, slog.Int(name, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.WarnContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
