package calculator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/rowscript/internal/logging"
)

// Warning categories. A calculator reports each category at most once.
const (
	WarnMissingInput = "missing_input"
	WarnEvaluation   = "evaluation_failed"
	WarnProperty     = "illegal_property"
	WarnAborted      = "aborted"
)

// Warning is one reported problem.
type Warning struct {
	Category string `json:"category"`
	RowKey   string `json:"row_key,omitempty"`
	Message  string `json:"message"`
}

// WarningConsumer receives the warnings of calculators.
type WarningConsumer interface {
	Warn(ctx context.Context, w Warning)
}

// LogWarnings writes warnings to a logger at warn level.
type LogWarnings struct {
	Logger *slog.Logger
}

func (l LogWarnings) Warn(ctx context.Context, w Warning) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logging.LogWith(logging.WithRowKey(ctx, w.RowKey), logger).
		WarnContext(ctx, w.Message+" (omitting further warnings)", "category", w.Category)
}

// CollectWarnings keeps warnings in memory. Safe for concurrent use.
type CollectWarnings struct {
	mu       sync.Mutex
	warnings []Warning
}

func (c *CollectWarnings) Warn(_ context.Context, w Warning) {
	c.mu.Lock()
	c.warnings = append(c.warnings, w)
	c.mu.Unlock()
}

// Warnings returns a copy of the collected warnings.
func (c *CollectWarnings) Warnings() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Warning(nil), c.warnings...)
}

// onceReporter forwards the first warning of each category.
type onceReporter struct {
	consumer WarningConsumer
	seen     map[string]bool
}

func newOnceReporter(c WarningConsumer) *onceReporter {
	if c == nil {
		c = LogWarnings{}
	}
	return &onceReporter{consumer: c, seen: map[string]bool{}}
}

func (r *onceReporter) warn(ctx context.Context, w Warning) {
	if r.seen[w.Category] {
		return
	}
	r.seen[w.Category] = true
	r.consumer.Warn(ctx, w)
}
