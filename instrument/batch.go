package instrument

import (
	"context"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/deepnoodle-ai/linecov/bytecode"
	"github.com/deepnoodle-ai/linecov/coverage"
)

// Target is one unit queued for instrumentation.
type Target struct {
	Code    *bytecode.Code
	Path    string
	Package string
}

// Result is one successfully instrumented unit.
type Result struct {
	Code  *bytecode.Code
	Path  string
	Lines *coverage.Lines
}

// Batch instruments many independent units concurrently. Instrument itself
// is pure and shares no state across calls, so units fan out freely.
type Batch struct {
	hook        any
	concurrency int
	logger      zerolog.Logger
}

// BatchOption configures a Batch.
type BatchOption func(*Batch)

// WithConcurrency caps the number of units instrumented in parallel.
func WithConcurrency(n int) BatchOption {
	return func(b *Batch) {
		b.concurrency = n
	}
}

// WithBatchLogger sets the logger used for per-unit diagnostics.
func WithBatchLogger(logger zerolog.Logger) BatchOption {
	return func(b *Batch) {
		b.logger = logger
	}
}

// NewBatch creates a Batch that injects the given hook into every unit.
func NewBatch(hook any, opts ...BatchOption) *Batch {
	b := &Batch{
		hook:        hook,
		concurrency: runtime.GOMAXPROCS(0),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run instruments all targets. Units that fail are skipped and their errors
// aggregated; the successfully rewritten units are returned regardless, so
// one malformed unit does not discard the rest of the batch.
func (b *Batch) Run(ctx context.Context, targets []Target) ([]Result, error) {
	results := make([]*Result, len(targets))
	var mu sync.Mutex
	var errs *multierror.Error

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			code, lines, err := Instrument(target.Code, b.hook, target.Path, target.Package)
			if err != nil {
				b.logger.Error().Err(err).Str("path", target.Path).Str("unit", target.Code.Name()).
					Msg("skipping unit")
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
				return nil
			}
			b.logger.Debug().Str("path", target.Path).Str("unit", target.Code.Name()).
				Int("lines", lines.Count()).Msg("instrumented unit")
			results[i] = &Result{Code: code, Path: target.Path, Lines: lines}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(targets))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, errs.ErrorOrNil()
}
