package artifact

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/rowscript/internal/expressions"
	"github.com/rendis/rowscript/internal/manipulators"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

// Artifact file names inside an entry directory.
const (
	ManifestFile  = "manifest.json"
	ClasspathFile = "classpath.lst"
	unitBase      = "unit"
)

// UnitFile returns the source file name of a unit of dialect d.
func UnitFile(d synth.Dialect) string { return unitBase + "." + d.Extension() }

// Manifest describes a compiled entry on disk.
type Manifest struct {
	Fingerprint string    `json:"fingerprint"`
	CompileID   string    `json:"compile_id"`
	Dialect     string    `json:"dialect"`
	Toolchain   string    `json:"toolchain"`
	Fields      []string  `json:"fields"`
	ReturnType  string    `json:"return_type"`
	Classpath   []string  `json:"classpath"`
	CompiledAt  time.Time `json:"compiled_at"`
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Compilations int64 `json:"compilations"`
	Hits         int64 `json:"hits"`
	Evictions    int64 `json:"evictions"`
	Live         int   `json:"live"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithToolchains sets the compilers used for misses.
func WithToolchains(t *expressions.Toolchains) Option {
	return func(c *Cache) { c.toolchains = t }
}

// WithCatalog sets the manipulator catalog units are compiled against.
func WithCatalog(cat *manipulators.Catalog) Option {
	return func(c *Cache) { c.catalog = cat }
}

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithRegisterer exports the cache counters to a Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.registerer = reg }
}

type entry struct {
	fingerprint string
	dir         string
	program     expressions.Program
	unit        *synth.Unit
	manifest    []byte
	refs        int
}

// Cache maps fingerprints to compiled programs and their artifact
// directories. Entries are reference counted; releasing the last handle
// deletes the directory. Concurrent misses on one fingerprint compile once.
// Thread-safe.
type Cache struct {
	root       string
	toolchains *expressions.Toolchains
	catalog    *manipulators.Catalog
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics

	// mu guards entries and every filesystem mutation of entry directories.
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	compilations int64
	hits         int64
	evictions    int64
}

// NewCache creates a cache whose entry directories live under root.
func NewCache(root string, opts ...Option) *Cache {
	c := &Cache{
		root:    root,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.toolchains == nil {
		c.toolchains = expressions.Default()
	}
	if c.catalog == nil {
		c.catalog = manipulators.Default()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.metrics = newMetrics(c.registerer)
	return c
}

var (
	defaultMu    sync.Mutex
	defaultCache *Cache
)

// Default returns the process-wide cache rooted at os.TempDir()/rowscript
// unless SetDefault installed another one.
func Default() *Cache {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCache == nil {
		defaultCache = NewCache(filepath.Join(os.TempDir(), "rowscript"))
	}
	return defaultCache
}

// SetDefault replaces the process-wide cache.
func SetDefault(c *Cache) {
	defaultMu.Lock()
	defaultCache = c
	defaultMu.Unlock()
}

// Root returns the directory entry directories are created in.
func (c *Cache) Root() string { return c.root }

// Acquire returns a handle on the compiled program of u, compiling it on a
// miss. The handle holds one reference and must be released.
//
// A hit whose directory still exists reuses the in-memory program and
// rewrites any artifact files that went missing. A hit whose directory is
// gone is dropped and compiled again.
func (c *Cache) Acquire(u *synth.Unit) (*Handle, error) {
	tc, err := c.toolchains.For(u.Dialect)
	if err != nil {
		return nil, err
	}
	fp := Fingerprint(u, tc.Version())

	for {
		if h, ok := c.acquireExisting(fp); ok {
			return h, nil
		}

		compiled := false
		v, err, _ := c.group.Do(fp, func() (any, error) {
			e, fresh, err := c.compile(fp, u, tc)
			compiled = fresh
			return e, err
		})
		if err != nil {
			return nil, err
		}
		e := v.(*entry)

		c.mu.Lock()
		if c.entries[fp] == e {
			e.refs++
			if !compiled {
				c.hits++
				c.metrics.hits.Inc()
			}
			c.mu.Unlock()
			return &Handle{cache: c, entry: e}, nil
		}
		// Released or dropped between compile and acquire: look again.
		c.mu.Unlock()
	}
}

func (c *Cache) acquireExisting(fp string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok {
		return nil, false
	}
	if _, err := os.Stat(e.dir); err != nil {
		c.logger.Warn("artifact directory vanished, recompiling", "fingerprint", short(fp), "dir", e.dir)
		delete(c.entries, fp)
		c.metrics.live.Set(float64(len(c.entries)))
		return nil, false
	}
	if err := c.heal(e); err != nil {
		c.logger.Warn("could not restore artifact files", "fingerprint", short(fp), "error", err)
	}
	e.refs++
	c.hits++
	c.metrics.hits.Inc()
	return &Handle{cache: c, entry: e}, true
}

// compile runs the toolchain, writes the artifacts and registers the entry
// with no references. fresh is false when another caller registered the
// fingerprint first.
func (c *Cache) compile(fp string, u *synth.Unit, tc expressions.Toolchain) (e *entry, fresh bool, err error) {
	c.mu.Lock()
	if e, ok := c.entries[fp]; ok {
		c.mu.Unlock()
		return e, false, nil
	}
	c.mu.Unlock()

	opts, err := resolveClasspath(u, c.catalog)
	if err != nil {
		return nil, false, err
	}
	opts.Logger = c.logger

	start := time.Now()
	prg, err := tc.Compile(u, opts)
	if err != nil {
		return nil, false, err
	}

	manifest, err := json.MarshalIndent(newManifest(fp, u, tc), "", "  ")
	if err != nil {
		return nil, false, schema.NewError(schema.ErrCodeInternal, "encode manifest").WithCause(err)
	}

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "create artifact root %s: %v", c.root, err).WithCause(err)
	}
	dir, err := os.MkdirTemp(c.root, string(u.Dialect)+"-"+short(fp)+"-")
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "create artifact directory: %v", err).WithCause(err)
	}

	e = &entry{fingerprint: fp, dir: dir, program: prg, unit: u, manifest: manifest}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.heal(e); err != nil {
		os.RemoveAll(dir)
		return nil, false, err
	}
	c.entries[fp] = e
	c.compilations++
	c.metrics.compilations.Inc()
	c.metrics.compileSeconds.Observe(time.Since(start).Seconds())
	c.metrics.live.Set(float64(len(c.entries)))
	c.logger.Debug("compiled unit", "fingerprint", short(fp), "dialect", u.Dialect, "dir", dir, "duration", time.Since(start))
	return e, true, nil
}

// heal writes every artifact file that is missing from e.dir. Caller holds c.mu.
func (c *Cache) heal(e *entry) error {
	files := map[string][]byte{
		UnitFile(e.unit.Dialect): []byte(e.unit.Source),
		ManifestFile:             e.manifest,
		ClasspathFile:            []byte(strings.Join(e.unit.Classpath, "\n")),
	}
	for name, data := range files {
		path := filepath.Join(e.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return schema.NewErrorf(schema.ErrCodeStore, "stat %s: %v", path, err).WithCause(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "write %s: %v", path, err).WithCause(err)
		}
	}
	return nil
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.refs--
	if e.refs > 0 {
		return
	}
	if c.entries[e.fingerprint] == e {
		delete(c.entries, e.fingerprint)
	}
	if err := os.RemoveAll(e.dir); err != nil {
		c.logger.Warn("could not delete artifact directory", "dir", e.dir, "error", err)
	}
	c.evictions++
	c.metrics.evictions.Inc()
	c.metrics.live.Set(float64(len(c.entries)))
	c.logger.Debug("evicted unit", "fingerprint", short(e.fingerprint), "dir", e.dir)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Compilations: c.compilations,
		Hits:         c.hits,
		Evictions:    c.evictions,
		Live:         len(c.entries),
	}
}

func newManifest(fp string, u *synth.Unit, tc expressions.Toolchain) Manifest {
	m := Manifest{
		Fingerprint: fp,
		CompileID:   uuid.NewString(),
		Dialect:     string(u.Dialect),
		Toolchain:   tc.Version(),
		ReturnType:  u.ReturnType.String(),
		Classpath:   u.Classpath,
		CompiledAt:  time.Now().UTC(),
	}
	if u.ReturnArray {
		m.ReturnType += "[]"
	}
	for _, b := range u.Bindings {
		m.Fields = append(m.Fields, b.Field.Name+" <- "+b.Input.String())
	}
	return m
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Handle is one reference on a cache entry.
type Handle struct {
	cache *Cache
	entry *entry
	once  sync.Once
}

// Program returns the compiled program. It stays usable after the entry's
// files are deleted.
func (h *Handle) Program() expressions.Program { return h.entry.program }

// Unit returns the synthesized unit the program was compiled from.
func (h *Handle) Unit() *synth.Unit { return h.entry.unit }

// Dir returns the entry's artifact directory.
func (h *Handle) Dir() string { return h.entry.dir }

// Fingerprint returns the entry's fingerprint.
func (h *Handle) Fingerprint() string { return h.entry.fingerprint }

// Logger returns the logger of the owning cache.
func (h *Handle) Logger() *slog.Logger { return h.cache.logger }

// Release drops the reference. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() { h.cache.release(h.entry) })
}
