// Package instrument rewrites compiled code units so that an external line
// hook is invoked once per executed source line.
//
// [Instrument] is a pure function over one unit: it decodes the instruction
// stream, injects a trap call ahead of each line's first instruction,
// re-derives every jump operand and exception region over the grown layout
// (iterating to a fixed point, since widening one jump can widen others),
// rebuilds the line table, and recurses into nested units. It also reports
// the unit's statically reachable lines, the denominator for coverage
// percentages.
//
// [Batch] fans independent units out across goroutines; Instrument holds no
// shared state, so any number of units may be rewritten concurrently.
package instrument
