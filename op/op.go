// Package op defines the opcodes of the linecov bytecode format.
//
// Instructions are fixed-width two-byte slots: one opcode byte followed by
// one operand byte. Operands wider than eight bits are encoded by chaining
// ExtendedArg prefix instructions ahead of the instruction they widen, most
// significant chunk first.
package op

// Code is a one-byte opcode that indicates an operation to execute.
type Code uint8

const (
	Invalid Code = 0

	// Execution
	Nop         Code = 1
	Resume      Code = 2 // Function prologue marker
	ReturnValue Code = 3
	Call        Code = 4
	Throw       Code = 5
	Reraise     Code = 6 // Re-raise the exception at TOS (cleanup blocks)

	// ExtendedArg widens the operand of the next instruction by one byte.
	ExtendedArg Code = 7

	// Jump (relative, measured in instruction units)
	JumpForward           Code = 10
	JumpBackward          Code = 11
	PopJumpForwardIfFalse Code = 12
	PopJumpForwardIfTrue  Code = 13
	ForIter               Code = 14 // Jump forward when the iterator at TOS is exhausted

	// Load
	LoadConst  Code = 20
	LoadFast   Code = 21
	LoadGlobal Code = 22

	// Store
	StoreFast   Code = 30
	StoreGlobal Code = 31

	// Push constants
	Nil   Code = 40
	True  Code = 41
	False Code = 42

	// Stack
	PopTop Code = 50

	// Operations
	BinaryOp      Code = 60
	CompareOp     Code = 61
	UnaryNot      Code = 62
	UnaryNegative Code = 63

	// Iteration
	GetIter Code = 70

	// Imports
	ImportName Code = 80
	ImportFrom Code = 81

	// Closures
	MakeFunction Code = 90 // Operand is the index of a child code unit
)

// BinaryOpType describes a type of binary operation, as in an operation that
// takes two operands. It is carried in the operand byte of a BinaryOp.
type BinaryOpType uint8

const (
	Add      BinaryOpType = 1
	Subtract BinaryOpType = 2
	Multiply BinaryOpType = 3
	Divide   BinaryOpType = 4
	Modulo   BinaryOpType = 5
)

// String returns a string representation of the binary operation.
// For example "+" for addition.
func (bop BinaryOpType) String() string {
	switch bop {
	case Add:
		return "+"
	case Subtract:
		return "-"
	case Multiply:
		return "*"
	case Divide:
		return "/"
	case Modulo:
		return "%"
	default:
		return ""
	}
}

// CompareOpType describes a type of comparison operation. It is carried in
// the operand byte of a CompareOp.
type CompareOpType uint8

const (
	LessThan           CompareOpType = 1
	LessThanOrEqual    CompareOpType = 2
	Equal              CompareOpType = 3
	NotEqual           CompareOpType = 4
	GreaterThan        CompareOpType = 5
	GreaterThanOrEqual CompareOpType = 6
)

// String returns a string representation of the comparison operation.
// For example "<" for less than.
func (cop CompareOpType) String() string {
	switch cop {
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "<="
	case Equal:
		return "=="
	case NotEqual:
		return "!="
	case GreaterThan:
		return ">"
	case GreaterThanOrEqual:
		return ">="
	default:
		return ""
	}
}

// JumpDirection indicates whether a relative jump moves control forward or
// backward in the instruction stream.
type JumpDirection int

const (
	JumpForwardDirection  JumpDirection = 1
	JumpBackwardDirection JumpDirection = -1
)

// Info contains information about an opcode.
type Info struct {
	Code       Code
	Name       string
	HasOperand bool
}

var infos = make([]Info, 256)

func init() {
	type opInfo struct {
		op      Code
		name    string
		operand bool
	}
	ops := []opInfo{
		{BinaryOp, "BINARY_OP", true},
		{Call, "CALL", true},
		{CompareOp, "COMPARE_OP", true},
		{ExtendedArg, "EXTENDED_ARG", true},
		{False, "FALSE", false},
		{ForIter, "FOR_ITER", true},
		{GetIter, "GET_ITER", false},
		{ImportFrom, "IMPORT_FROM", true},
		{ImportName, "IMPORT_NAME", true},
		{JumpBackward, "JUMP_BACKWARD", true},
		{JumpForward, "JUMP_FORWARD", true},
		{LoadConst, "LOAD_CONST", true},
		{LoadFast, "LOAD_FAST", true},
		{LoadGlobal, "LOAD_GLOBAL", true},
		{MakeFunction, "MAKE_FUNCTION", true},
		{Nil, "NIL", false},
		{Nop, "NOP", false},
		{PopJumpForwardIfFalse, "POP_JUMP_FORWARD_IF_FALSE", true},
		{PopJumpForwardIfTrue, "POP_JUMP_FORWARD_IF_TRUE", true},
		{PopTop, "POP_TOP", false},
		{Reraise, "RERAISE", false},
		{Resume, "RESUME", true},
		{ReturnValue, "RETURN_VALUE", false},
		{StoreFast, "STORE_FAST", true},
		{StoreGlobal, "STORE_GLOBAL", true},
		{Throw, "THROW", false},
		{True, "TRUE", false},
		{UnaryNegative, "UNARY_NEGATIVE", false},
		{UnaryNot, "UNARY_NOT", false},
	}
	for _, o := range ops {
		infos[o.op] = Info{
			Name:       o.name,
			Code:       o.op,
			HasOperand: o.operand,
		}
	}
}

// GetInfo returns information about the given opcode.
func GetInfo(op Code) Info {
	return infos[op]
}

// relativeJumps is the set of opcodes whose operand is a relative jump
// distance, measured in instruction units from the following instruction.
var relativeJumps = map[Code]JumpDirection{
	JumpForward:           JumpForwardDirection,
	JumpBackward:          JumpBackwardDirection,
	PopJumpForwardIfFalse: JumpForwardDirection,
	PopJumpForwardIfTrue:  JumpForwardDirection,
	ForIter:               JumpForwardDirection,
}

// IsRelativeJump reports whether the opcode transfers control relative to
// its own offset.
func IsRelativeJump(op Code) bool {
	_, ok := relativeJumps[op]
	return ok
}

// Direction returns the jump direction for a relative jump opcode.
// The second return value is false if the opcode is not a relative jump.
func Direction(op Code) (JumpDirection, bool) {
	d, ok := relativeJumps[op]
	return d, ok
}

// noTrapBefore is the set of opcodes that must not be preceded by injected
// code. These opcodes are exception-dispatch targets that assume an exact
// operand stack shape on entry.
var noTrapBefore = map[Code]struct{}{
	Reraise: {},
}

// NoTrapBefore reports whether injected instructions may not be placed
// immediately before the given opcode.
func NoTrapBefore(op Code) bool {
	_, ok := noTrapBefore[op]
	return ok
}
