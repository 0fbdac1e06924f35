package instrument

import (
	"github.com/deepnoodle-ai/linecov/bytecode"
	"github.com/deepnoodle-ai/linecov/op"
)

// noOffset marks instructions that have not been placed yet (injected code
// and freshly inserted prefixes before layout).
const noOffset = -1

// instruction is one mutable instruction slot in the output stream under
// construction. Offsets hold original byte offsets for propagated
// instructions until layout reassigns them.
type instruction struct {
	offset  int
	opcode  op.Code
	arg     byte
	targets []*branch // branches that resolve to this instruction
}

// branch ties a jump instruction to its resolved target. The encoded operand
// is recomputed from the endpoints every time either one moves.
type branch struct {
	start *instruction
	end   *instruction
}

// arg returns the operand value encoding the branch distance, measured in
// instruction units from the slot following the jump.
func (b *branch) arg() int {
	d := b.end.offset - b.start.offset - bytecode.InstructionWidth
	if d < 0 {
		d = -d
	}
	return d >> 1
}

// instrWithArg builds an instruction together with the ExtendedArg prefixes
// needed for its operand, most significant chunk first.
func instrWithArg(opcode op.Code, arg int) []*instruction {
	instrs := []*instruction{{offset: noOffset, opcode: opcode, arg: byte(arg & 0xFF)}}
	arg >>= 8
	for arg > 0 {
		prefix := &instruction{offset: noOffset, opcode: op.ExtendedArg, arg: byte(arg & 0xFF)}
		instrs = append([]*instruction{prefix}, instrs...)
		arg >>= 8
	}
	return instrs
}

// trapStackCost is the transient operand stack growth of a trap call: the
// hook reference and its descriptor argument.
const trapStackCost = 2

// trapCall synthesizes the hook invocation injected at a line start: load
// the hook, load the per-callsite descriptor, call, discard the result.
// Net stack effect is zero.
func trapCall(hookIndex, argIndex int) []*instruction {
	instrs := instrWithArg(op.LoadConst, hookIndex)
	instrs = append(instrs, instrWithArg(op.LoadConst, argIndex)...)
	instrs = append(instrs,
		&instruction{offset: noOffset, opcode: op.Call, arg: 1},
		&instruction{offset: noOffset, opcode: op.PopTop},
	)
	return instrs
}
