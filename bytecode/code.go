package bytecode

import (
	"github.com/deepnoodle-ai/linecov/op"
)

// InstructionWidth is the size in bytes of one instruction slot: one opcode
// byte followed by one operand byte.
const InstructionWidth = 2

// Code represents a compiled code unit (module, function body, etc.).
// It is immutable after creation and safe for concurrent use.
type Code struct {
	name     string
	filename string
	pkg      string
	isModule bool

	instructions []byte
	constants    []any
	names        []string

	// Compact offset -> source line mapping (run-encoded chunks)
	lineTable []byte
	firstLine int

	// Varint-encoded protected regions
	exceptionTable []byte

	// Declared operand stack requirement
	stackSize int
}

// CodeParams contains parameters for creating a new Code.
type CodeParams struct {
	Name           string
	Filename       string
	Package        string
	IsModule       bool
	Instructions   []byte
	Constants      []any
	Names          []string
	LineTable      []byte
	FirstLine      int
	ExceptionTable []byte
	StackSize      int
}

// NewCode creates a new immutable Code from the given parameters.
// Input slices are copied to ensure immutability. The Code is fully
// immutable after construction - there are no mutation methods.
func NewCode(params CodeParams) *Code {
	return &Code{
		name:           params.Name,
		filename:       params.Filename,
		pkg:            params.Package,
		isModule:       params.IsModule,
		instructions:   copyBytes(params.Instructions),
		constants:      copyAny(params.Constants),
		names:          copyStrings(params.Names),
		lineTable:      copyBytes(params.LineTable),
		firstLine:      params.FirstLine,
		exceptionTable: copyBytes(params.ExceptionTable),
		stackSize:      params.StackSize,
	}
}

// Name returns the name of this code unit.
func (c *Code) Name() string {
	return c.name
}

// Filename returns the source filename.
func (c *Code) Filename() string {
	return c.filename
}

// Package returns the package this code unit belongs to.
func (c *Code) Package() string {
	return c.pkg
}

// IsModule returns true if this unit is a module top level rather than a
// function body.
func (c *Code) IsModule() bool {
	return c.isModule
}

// InstructionBytes returns the length of the instruction stream in bytes.
func (c *Code) InstructionBytes() int {
	return len(c.instructions)
}

// InstructionCount returns the number of two-byte instruction slots.
func (c *Code) InstructionCount() int {
	return len(c.instructions) / InstructionWidth
}

// OpcodeAt returns the opcode at the given byte offset.
func (c *Code) OpcodeAt(offset int) op.Code {
	return op.Code(c.instructions[offset])
}

// OperandAt returns the raw operand byte at the given byte offset.
func (c *Code) OperandAt(offset int) byte {
	return c.instructions[offset+1]
}

// Instructions returns a copy of the raw instruction bytes.
func (c *Code) Instructions() []byte {
	return copyBytes(c.instructions)
}

// ConstantCount returns the number of constants.
func (c *Code) ConstantCount() int {
	return len(c.constants)
}

// ConstantAt returns the constant at the given index.
func (c *Code) ConstantAt(index int) any {
	return c.constants[index]
}

// NameCount returns the number of names in the name pool.
func (c *Code) NameCount() int {
	return len(c.names)
}

// NameAt returns the name at the given index.
func (c *Code) NameAt(index int) string {
	return c.names[index]
}

// LineTable returns a copy of the encoded line table.
func (c *Code) LineTable() []byte {
	return copyBytes(c.lineTable)
}

// FirstLine returns the source line the unit starts on. Line deltas in the
// line table are applied starting from this value.
func (c *Code) FirstLine() int {
	return c.firstLine
}

// ExceptionTable returns a copy of the encoded exception table.
func (c *Code) ExceptionTable() []byte {
	return copyBytes(c.exceptionTable)
}

// StackSize returns the declared maximum operand stack depth.
func (c *Code) StackSize() int {
	return c.stackSize
}

// Flatten returns this code unit and all nested units found in its constant
// pool, in pre-order. The returned slice is newly allocated.
func (c *Code) Flatten() []*Code {
	codes := []*Code{c}
	for _, constant := range c.constants {
		if child, ok := constant.(*Code); ok {
			codes = append(codes, child.Flatten()...)
		}
	}
	return codes
}
