// Package coverage aggregates line observations recorded by instrumented
// code at run time.
//
// The hot path is lock free: each execution owns a [Context] whose hook
// records into context-local state. Cross-context merging into the
// process-wide [Collector] happens only at coarse boundaries (context close,
// worker completion), under a single mutex.
package coverage
