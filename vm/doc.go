// Package vm executes compiled code units.
//
// The VM is a small frame-based stack machine over the two-byte instruction
// format, with exception dispatch driven by the unit's varint exception
// table. Instrumented units call their line hook through the constant pool;
// units carrying the bytecode.HookRef placeholder are bound to a live hook
// with [WithLineHook].
package vm
