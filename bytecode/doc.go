// Package bytecode provides immutable representations of compiled code
// units and codecs for their auxiliary tables.
//
// A [Code] is one compiled unit: a stream of fixed-width two-byte
// instructions, a constant pool (which may contain nested units), a name
// pool, a run-encoded line table, a varint-encoded exception table, and a
// declared stack size. Code values are immutable after construction and
// safe to share across goroutines.
//
// [Builder] assembles units the way a compiler would: it resolves labels to
// relative jump distances, widening operands through ExtendedArg prefixes as
// needed, and encodes the line and exception tables.
//
// [Marshal] and [Unmarshal] provide a binary on-disk format for unit trees.
// Instrumented units reference their line hook through the [HookRef]
// placeholder constant; the executor binds it to a live callable.
package bytecode
