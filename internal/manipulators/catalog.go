package manipulators

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/rowscript/pkg/schema"
)

// Catalog resolves manipulators by name. Reads use an immutable snapshot;
// Register builds a new snapshot and swaps it in.
type Catalog struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	byName map[string][]Manipulator
	all    []Manipulator
}

// NewCatalog creates a catalog holding ms.
func NewCatalog(ms ...Manipulator) (*Catalog, error) {
	c := &Catalog{}
	c.snap.Store(&snapshot{byName: map[string][]Manipulator{}})
	if err := c.Register(ms...); err != nil {
		return nil, err
	}
	return c, nil
}

// Register adds manipulators. A name may be registered several times with
// different argument counts; an exact (name, NrArgs) duplicate is a conflict.
func (c *Catalog) Register(ms ...Manipulator) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.snap.Load()
	next := &snapshot{
		byName: make(map[string][]Manipulator, len(old.byName)+len(ms)),
		all:    make([]Manipulator, 0, len(old.all)+len(ms)),
	}
	for k, v := range old.byName {
		next.byName[k] = append([]Manipulator(nil), v...)
	}
	next.all = append(next.all, old.all...)

	for _, m := range ms {
		for _, existing := range next.byName[m.Name()] {
			if existing.NrArgs() == m.NrArgs() {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"manipulator %q with %d arguments already registered", m.Name(), m.NrArgs())
			}
		}
		next.byName[m.Name()] = append(next.byName[m.Name()], m)
		next.all = append(next.all, m)
	}
	sort.SliceStable(next.all, func(i, j int) bool {
		a, b := next.all[i], next.all[j]
		if a.Category() != b.Category() {
			return a.Category() < b.Category()
		}
		if a.Name() != b.Name() {
			return a.Name() < b.Name()
		}
		return a.NrArgs() < b.NrArgs()
	})
	c.snap.Store(next)
	return nil
}

// Lookup returns every overload registered under name.
func (c *Catalog) Lookup(name string) []Manipulator {
	return c.snap.Load().byName[name]
}

// Has reports whether any manipulator is registered under name.
func (c *Catalog) Has(name string) bool {
	return len(c.Lookup(name)) > 0
}

// Find returns the overload of name taking nargs arguments, falling back to a
// variadic overload.
func (c *Catalog) Find(name string, nargs int) (Manipulator, bool) {
	var variadic Manipulator
	for _, m := range c.Lookup(name) {
		if m.NrArgs() == nargs {
			return m, true
		}
		if m.NrArgs() == Variadic {
			variadic = m
		}
	}
	return variadic, variadic != nil
}

// Call dispatches name by argument count and invokes it.
func (c *Catalog) Call(name string, args ...any) (any, error) {
	m, ok := c.Find(name, len(args))
	if !ok {
		if !c.Has(name) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown manipulator %q", name)
		}
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"no overload of %q takes %d arguments", name, len(args))
	}
	return m.Invoke(args...)
}

// List returns manipulators ordered by category, name and argument count.
// An empty category lists all of them.
func (c *Catalog) List(category string) []Manipulator {
	all := c.snap.Load().all
	out := make([]Manipulator, 0, len(all))
	for _, m := range all {
		if category == "" || m.Category() == category {
			out = append(out, m)
		}
	}
	return out
}

// Names returns the distinct manipulator names, sorted.
func (c *Catalog) Names() []string {
	byName := c.snap.Load().byName
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Categories returns the distinct categories, sorted.
func (c *Catalog) Categories() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range c.snap.Load().all {
		if !seen[m.Category()] {
			seen[m.Category()] = true
			out = append(out, m.Category())
		}
	}
	return out
}

// Restrict returns a catalog holding only the given categories.
func (c *Catalog) Restrict(categories ...string) (*Catalog, error) {
	keep := make(map[string]bool, len(categories))
	for _, cat := range categories {
		keep[cat] = true
	}
	var ms []Manipulator
	for _, m := range c.snap.Load().all {
		if keep[m.Category()] {
			ms = append(ms, m)
		}
	}
	return NewCatalog(ms...)
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := NewCatalog(Builtins()...)
	if err != nil {
		panic("manipulators: invalid built-in catalog: " + err.Error())
	}
	return c
})

// Default returns the process-wide catalog of built-in manipulators.
func Default() *Catalog { return defaultCatalog() }
