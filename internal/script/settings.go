package script

import (
	"sync"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

// Settings is the compile slot of one node configuration. It keeps a
// reference on the most recently compiled unit; recompiling with different
// input rotates the slot and releases the previous unit's reference once the
// new one compiled.
type Settings struct {
	cache *artifact.Cache

	mu      sync.Mutex
	request synth.Request
	current *Expression
}

// NewSettings creates an empty slot compiling through cache (nil means
// artifact.Default()).
func NewSettings(cache *artifact.Cache) *Settings {
	if cache == nil {
		cache = artifact.Default()
	}
	return &Settings{cache: cache}
}

// SetInputAndCompile compiles req into the slot. On failure the slot keeps
// its previous unit.
func (s *Settings) SetInputAndCompile(req synth.Request) error {
	expr, err := Compile(s.cache, req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.current
	s.current = expr
	s.request = req
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// Request returns the input of the last successful compilation.
func (s *Settings) Request() synth.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

// CompiledExpression returns a new Expression sharing the slot's compiled
// unit. The caller owns it and must Close it.
func (s *Settings) CompiledExpression() (*Expression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no expression has been compiled")
	}
	h, err := s.cache.Acquire(s.current.unit)
	if err != nil {
		return nil, err
	}
	return newExpression(h), nil
}

// Dir returns the artifact directory of the slot's unit, or "".
func (s *Settings) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.Dir()
}

// Close releases the slot's reference. Safe to call more than once.
func (s *Settings) Close() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}
