package coverage

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Collector accumulates covered lines across execution contexts. It is an
// explicitly scoped service: create one when instrumentation is enabled and
// hand contexts a reference to it, rather than reaching a global.
//
// Contexts record lines locally without locking; the collector's mutex is
// taken only when a completed context merges, bounding contention to the
// number of contexts rather than the number of line hits.
type Collector struct {
	mu         sync.Mutex
	covered    map[string]*Lines
	executable map[string]*Lines
	deps       map[string]map[string]struct{}

	hookFailures atomic.Uint64
	logger       zerolog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger used for diagnostics. The hot path never logs.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// NewCollector creates an empty Collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		covered:    map[string]*Lines{},
		executable: map[string]*Lines{},
		deps:       map[string]map[string]struct{}{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterExecutable records the statically reachable lines of a file, as
// reported by instrumentation. This is the denominator used by reporting.
func (c *Collector) RegisterExecutable(path string, lines *Lines) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.executable[path]
	if !ok {
		existing = NewLines()
		c.executable[path] = existing
	}
	existing.Merge(lines)
}

// Executable returns a copy of the per-file executable line sets.
func (c *Collector) Executable() map[string]*Lines {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyLineMap(c.executable)
}

// Snapshot returns a copy of the per-file covered line sets. It is
// consistent with every merge that happened before the call; late merges
// from slow workers are accepted, so snapshots may grow between reads.
func (c *Collector) Snapshot() map[string]*Lines {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyLineMap(c.covered)
}

// Dependencies returns the package dependency edges observed through import
// descriptors, as a map from package to imported names.
func (c *Collector) Dependencies() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]string, len(c.deps))
	for pkg, imports := range c.deps {
		names := make([]string, 0, len(imports))
		for name := range imports {
			names = append(names, name)
		}
		out[pkg] = names
	}
	return out
}

// HookFailures returns the number of hook invocations that failed and were
// swallowed.
func (c *Collector) HookFailures() uint64 {
	return c.hookFailures.Load()
}

// Reset clears all accumulated coverage. Executions still holding open
// contexts will merge into the cleared maps.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.covered = map[string]*Lines{}
	c.executable = map[string]*Lines{}
	c.deps = map[string]map[string]struct{}{}
	c.hookFailures.Store(0)
}

// merge absorbs a completed context's observations.
func (c *Collector) merge(lines map[string]*Lines, deps map[string]map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, local := range lines {
		existing, ok := c.covered[path]
		if !ok {
			existing = NewLines()
			c.covered[path] = existing
		}
		existing.Merge(local)
	}
	for pkg, imports := range deps {
		existing, ok := c.deps[pkg]
		if !ok {
			existing = map[string]struct{}{}
			c.deps[pkg] = existing
		}
		for name := range imports {
			existing[name] = struct{}{}
		}
	}
}

func copyLineMap(src map[string]*Lines) map[string]*Lines {
	dst := make(map[string]*Lines, len(src))
	for path, lines := range src {
		dst[path] = lines.Copy()
	}
	return dst
}
