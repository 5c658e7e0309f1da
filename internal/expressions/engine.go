package expressions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rendis/rowscript/internal/manipulators"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

// Toolchain compiles units of one dialect.
// Three implementations: goja (snippets), expr (manipulator expressions), CEL (rules).
type Toolchain interface {
	Dialect() synth.Dialect
	// Version identifies the compiler build; it is part of every fingerprint.
	Version() string
	Compile(unit *synth.Unit, opts Options) (Program, error)
}

// Options are the compile-time collaborators of a unit.
type Options struct {
	// Catalog holds the manipulators imported into the unit. Nil means the default catalog.
	Catalog *manipulators.Catalog
	// Scripts are library sources evaluated before a snippet unit.
	Scripts []Script
	Logger  *slog.Logger
}

func (o Options) catalog() *manipulators.Catalog {
	if o.Catalog != nil {
		return o.Catalog
	}
	return manipulators.Default()
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Script is a named library source.
type Script struct {
	Name   string
	Source string
}

// Program is a compiled unit. It is immutable and safe for concurrent use;
// every consumer evaluates through its own Frame.
type Program interface {
	NewFrame() (Frame, error)
}

// Frame holds the mutable binding state of one consumer. It is not safe for
// concurrent use.
type Frame interface {
	// Run binds values by generated identifier and evaluates the unit.
	Run(ctx context.Context, bindings map[string]any) (any, error)
}

// Toolchains resolves the toolchain of a dialect.
type Toolchains struct {
	byDialect map[synth.Dialect]Toolchain
}

// NewToolchains registers toolchains by dialect.
func NewToolchains(tcs ...Toolchain) *Toolchains {
	t := &Toolchains{byDialect: make(map[synth.Dialect]Toolchain, len(tcs))}
	for _, tc := range tcs {
		t.byDialect[tc.Dialect()] = tc
	}
	return t
}

// For returns the toolchain compiling d.
func (t *Toolchains) For(d synth.Dialect) (Toolchain, error) {
	tc, ok := t.byDialect[d]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no toolchain for dialect %q", d)
	}
	return tc, nil
}

var defaultToolchains = sync.OnceValue(func() *Toolchains {
	celEngine, err := NewCELEngine()
	if err != nil {
		panic(fmt.Sprintf("expressions: create CEL toolchain: %v", err))
	}
	return NewToolchains(NewGojaEngine(), NewExprEngine(), celEngine)
})

// Default returns the toolchains for all three dialects.
func Default() *Toolchains { return defaultToolchains() }

// moduleVersion reports path@version of a dependency of the running binary,
// or path@devel when build info is unavailable (tests, stripped binaries).
func moduleVersion(path string) string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == path {
				if dep.Replace != nil {
					return path + "@" + dep.Replace.Version
				}
				return path + "@" + dep.Version
			}
		}
	}
	return path + "@devel"
}

func compileFailed(u *synth.Unit, err error, diagnostics []string) error {
	return schema.NewErrorf(schema.ErrCodeCompilation, "%s unit does not compile: %s", u.Dialect, firstLine(err.Error())).
		WithCause(err).
		WithDetails(map[string]any{"diagnostics": diagnostics, "source": u.Source})
}

func instantiationFailed(format string, args ...any) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeInstantiation, format, args...)
}

// evaluationFailed classifies a runtime error: aborts keep their code, anything
// else becomes EVALUATION_FAILED carrying the cause.
func evaluationFailed(err error) error {
	if schema.IsAbort(err) {
		var ee *schema.EngineError
		for e := err; errors.As(e, &ee); e = ee.Cause {
			if ee.Code == schema.ErrCodeAborted {
				return ee
			}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeEvaluation, "evaluation failed: %s", firstLine(err.Error())).WithCause(err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
