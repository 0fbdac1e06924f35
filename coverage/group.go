package coverage

import (
	"golang.org/x/sync/errgroup"
)

// Group runs worker functions in their own goroutines, each with its own
// coverage context. A worker's observations merge into the collector when
// the worker returns; Wait establishes the ordering for readers, the same
// way joining a thread does. Workers that never finish leak their local
// observations.
type Group struct {
	collector *Collector
	eg        errgroup.Group
}

// NewGroup creates a Group whose workers merge into the given collector.
func NewGroup(collector *Collector) *Group {
	return &Group{collector: collector}
}

// Go runs fn in a new goroutine with a fresh context. The context is closed
// (and merged) when fn returns, even if it returns an error.
func (g *Group) Go(fn func(ctx *Context) error) {
	ctx := g.collector.NewContext()
	g.eg.Go(func() error {
		defer ctx.Close()
		return fn(ctx)
	})
}

// Wait blocks until all workers have finished and their observations have
// been merged, returning the first error.
func (g *Group) Wait() error {
	return g.eg.Wait()
}
