package vm

import (
	"github.com/deepnoodle-ai/linecov/bytecode"
)

// frame is one activation: a code unit's instruction bytes, decoded
// exception table, operand stack and locals.
type frame struct {
	code   *bytecode.Code
	insns  []byte
	exc    []bytecode.ExceptionTableEntry
	ip     int // byte offset of the next instruction
	ext    int // accumulated ExtendedArg prefix value
	callIP int // offset of the Call instruction in the caller
	stack  []any
	locals []any
}

func newFrame(code *bytecode.Code) (*frame, error) {
	exc, err := bytecode.ParseExceptionTable(code.ExceptionTable())
	if err != nil {
		return nil, err
	}
	return &frame{
		code:  code,
		insns: code.Instructions(),
		exc:   exc,
		stack: make([]any, 0, code.StackSize()),
	}, nil
}

func (f *frame) push(value any) {
	f.stack = append(f.stack, value)
}

func (f *frame) pop() any {
	value := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return value
}

func (f *frame) top() any {
	return f.stack[len(f.stack)-1]
}

func (f *frame) local(index int) any {
	if index >= len(f.locals) {
		return nil
	}
	return f.locals[index]
}

func (f *frame) setLocal(index int, value any) {
	for len(f.locals) <= index {
		f.locals = append(f.locals, nil)
	}
	f.locals[index] = value
}
