package coverage

import (
	"github.com/gofrs/uuid"

	"github.com/deepnoodle-ai/linecov/bytecode"
)

// Context tracks the line observations of one logical execution (a
// goroutine, a test, a task). A Context is owned by a single execution and
// is not safe for concurrent use; all locking is deferred to Close, which
// merges the local observations into the collector.
type Context struct {
	id        string
	collector *Collector
	lines     map[string]*Lines
	seen      map[lineKey]struct{}
	deps      map[string]map[string]struct{}
	closed    bool
}

type lineKey struct {
	path string
	line int
}

// NewContext creates a context that merges into this collector on Close.
func (c *Collector) NewContext() *Context {
	id, _ := uuid.NewV4()
	return &Context{
		id:        id.String(),
		collector: c,
		lines:     map[string]*Lines{},
		seen:      map[lineKey]struct{}{},
		deps:      map[string]map[string]struct{}{},
	}
}

// ID returns the context's unique identifier.
func (ctx *Context) ID() string {
	return ctx.id
}

// Record notes that the line named by the descriptor was reached. Recording
// is idempotent per context.
func (ctx *Context) Record(d bytecode.LineDescriptor) {
	key := lineKey{path: d.Path, line: d.Line}
	if _, ok := ctx.seen[key]; ok {
		return
	}
	ctx.seen[key] = struct{}{}
	lines, ok := ctx.lines[d.Path]
	if !ok {
		lines = NewLines()
		ctx.lines[d.Path] = lines
	}
	lines.Add(d.Line)
	if d.Dep != nil {
		imports, ok := ctx.deps[d.Dep.Package]
		if !ok {
			imports = map[string]struct{}{}
			ctx.deps[d.Dep.Package] = imports
		}
		for _, name := range d.Dep.Imports {
			imports[name] = struct{}{}
		}
	}
}

// Hook returns the line hook for this context. The hook never panics
// outward: any internal failure is swallowed and counted on the collector,
// since a hook failure must not perturb the instrumented program.
func (ctx *Context) Hook() func(bytecode.LineDescriptor) {
	return func(d bytecode.LineDescriptor) {
		defer func() {
			if r := recover(); r != nil {
				ctx.collector.hookFailures.Add(1)
				ctx.collector.logger.Warn().
					Str("context", ctx.id).
					Interface("panic", r).
					Msg("line hook failure swallowed")
			}
		}()
		ctx.Record(d)
	}
}

// Lines returns a copy of the lines recorded so far for the given path.
func (ctx *Context) Lines(path string) *Lines {
	lines, ok := ctx.lines[path]
	if !ok {
		return NewLines()
	}
	return lines.Copy()
}

// Close merges the context's observations into the collector. Closing twice
// is a no-op. A context that is never closed leaks its observations; this
// mirrors a worker whose termination is never observed.
func (ctx *Context) Close() {
	if ctx.closed {
		return
	}
	ctx.closed = true
	ctx.collector.merge(ctx.lines, ctx.deps)
}
