package vm

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/linecov/bytecode"
	"github.com/deepnoodle-ai/linecov/op"
)

// BuiltinFunc is a callable implemented in Go.
type BuiltinFunc func(args ...any) (any, error)

// Function is a callable compiled unit created by MakeFunction.
type Function struct {
	code *bytecode.Code
}

// Code returns the function's compiled body.
func (f *Function) Code() *bytecode.Code {
	return f.code
}

// Module is the placeholder value produced by import instructions.
type Module struct {
	Name string
}

// Exception carries a value raised by Throw (or by a failing operation)
// through exception dispatch. It reaches the caller as an error when no
// handler catches it.
type Exception struct {
	Value any
}

// Error implements the error interface.
func (e *Exception) Error() string {
	return fmt.Sprintf("exception: %v", e.Value)
}

// checkInterval is how many instructions run between context checks.
const checkInterval = 1024

// VM executes one code unit. A VM is single use and not safe for concurrent
// use; run concurrent executions on separate VM instances sharing the
// immutable code.
type VM struct {
	code     *bytecode.Code
	globals  map[string]any
	lineHook func(bytecode.LineDescriptor)
	frames   []*frame
	steps    int
}

// Option configures a VM.
type Option func(*VM)

// WithLineHook binds the callable behind HookRef constants. Units
// instrumented with a live hook value do not need this.
func WithLineHook(hook func(bytecode.LineDescriptor)) Option {
	return func(v *VM) {
		v.lineHook = hook
	}
}

// WithGlobal predefines a global variable.
func WithGlobal(name string, value any) Option {
	return func(v *VM) {
		v.globals[name] = value
	}
}

// New creates a VM for the given unit.
func New(code *bytecode.Code, opts ...Option) *VM {
	v := &VM{
		code:    code,
		globals: map[string]any{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run executes the unit and returns the value passed to ReturnValue in the
// root frame. Uncaught exceptions are returned as *Exception errors.
func (v *VM) Run(ctx context.Context) (any, error) {
	root, err := newFrame(v.code)
	if err != nil {
		return nil, err
	}
	v.frames = []*frame{root}

	for {
		f := v.frames[len(v.frames)-1]
		if f.ip >= len(f.insns) {
			return nil, fmt.Errorf("vm: instruction pointer %d out of range in %q", f.ip, f.code.Name())
		}

		v.steps++
		if v.steps%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		instrIP := f.ip
		opcode := op.Code(f.insns[f.ip])
		arg := int(f.insns[f.ip+1])
		f.ip += bytecode.InstructionWidth
		if opcode == op.ExtendedArg {
			f.ext = f.ext<<8 | arg
			continue
		}
		arg = f.ext<<8 | arg
		f.ext = 0

		switch opcode {
		case op.Nop, op.Resume:
			// Nothing

		case op.LoadConst:
			if arg >= f.code.ConstantCount() {
				return nil, fmt.Errorf("vm: constant index %d out of range in %q", arg, f.code.Name())
			}
			f.push(f.code.ConstantAt(arg))

		case op.Nil:
			f.push(nil)
		case op.True:
			f.push(true)
		case op.False:
			f.push(false)

		case op.PopTop:
			f.pop()

		case op.LoadFast:
			f.push(f.local(arg))
		case op.StoreFast:
			f.setLocal(arg, f.pop())

		case op.LoadGlobal:
			name := f.code.NameAt(arg)
			value, ok := v.globals[name]
			if !ok {
				if done, err := v.raise(instrIP, fmt.Sprintf("undefined global %q", name)); done {
					return nil, err
				}
				continue
			}
			f.push(value)
		case op.StoreGlobal:
			v.globals[f.code.NameAt(arg)] = f.pop()

		case op.BinaryOp:
			right := f.pop()
			left := f.pop()
			result, err := binaryOp(op.BinaryOpType(arg), left, right)
			if err != nil {
				if done, rerr := v.raise(instrIP, err.Error()); done {
					return nil, rerr
				}
				continue
			}
			f.push(result)

		case op.CompareOp:
			right := f.pop()
			left := f.pop()
			result, err := compareOp(op.CompareOpType(arg), left, right)
			if err != nil {
				if done, rerr := v.raise(instrIP, err.Error()); done {
					return nil, rerr
				}
				continue
			}
			f.push(result)

		case op.UnaryNot:
			f.push(!truthy(f.pop()))
		case op.UnaryNegative:
			switch value := f.pop().(type) {
			case int64:
				f.push(-value)
			case float64:
				f.push(-value)
			default:
				if done, err := v.raise(instrIP, fmt.Sprintf("cannot negate %T", value)); done {
					return nil, err
				}
				continue
			}

		case op.GetIter:
			switch value := f.pop().(type) {
			case int64:
				f.push(&rangeIter{limit: value})
			case *rangeIter:
				f.push(value)
			default:
				if done, err := v.raise(instrIP, fmt.Sprintf("cannot iterate %T", value)); done {
					return nil, err
				}
				continue
			}

		case op.ForIter:
			iter, ok := f.top().(*rangeIter)
			if !ok {
				return nil, fmt.Errorf("vm: FOR_ITER without iterator in %q", f.code.Name())
			}
			if iter.next < iter.limit {
				f.push(iter.next)
				iter.next++
			} else {
				f.pop()
				f.ip += arg * bytecode.InstructionWidth
			}

		case op.JumpForward:
			f.ip += arg * bytecode.InstructionWidth
		case op.JumpBackward:
			f.ip -= arg * bytecode.InstructionWidth
		case op.PopJumpForwardIfFalse:
			if !truthy(f.pop()) {
				f.ip += arg * bytecode.InstructionWidth
			}
		case op.PopJumpForwardIfTrue:
			if truthy(f.pop()) {
				f.ip += arg * bytecode.InstructionWidth
			}

		case op.Call:
			args := make([]any, arg)
			for i := arg - 1; i >= 0; i-- {
				args[i] = f.pop()
			}
			callee := f.pop()
			switch fn := callee.(type) {
			case BuiltinFunc:
				result, err := fn(args...)
				if err != nil {
					if done, rerr := v.raiseValue(instrIP, err); done {
						return nil, rerr
					}
					continue
				}
				f.push(result)
			case func(bytecode.LineDescriptor):
				if len(args) == 1 {
					if desc, ok := args[0].(bytecode.LineDescriptor); ok {
						fn(desc)
					}
				}
				f.push(nil)
			case bytecode.HookRef:
				if v.lineHook != nil && len(args) == 1 {
					if desc, ok := args[0].(bytecode.LineDescriptor); ok {
						v.lineHook(desc)
					}
				}
				f.push(nil)
			case *Function:
				callFrame, err := newFrame(fn.code)
				if err != nil {
					return nil, err
				}
				for i, value := range args {
					callFrame.setLocal(i, value)
				}
				callFrame.callIP = instrIP
				v.frames = append(v.frames, callFrame)
			default:
				if done, err := v.raise(instrIP, fmt.Sprintf("cannot call %T", callee)); done {
					return nil, err
				}
				continue
			}

		case op.ReturnValue:
			result := f.pop()
			v.frames = v.frames[:len(v.frames)-1]
			if len(v.frames) == 0 {
				return result, nil
			}
			v.frames[len(v.frames)-1].push(result)

		case op.Throw:
			if done, err := v.raiseValue(instrIP, f.pop()); done {
				return nil, err
			}
		case op.Reraise:
			if done, err := v.raiseValue(instrIP, f.pop()); done {
				return nil, err
			}

		case op.ImportName:
			f.pop() // from list
			f.pop() // relative depth
			f.push(&Module{Name: f.code.NameAt(arg)})
		case op.ImportFrom:
			module, ok := f.top().(*Module)
			if !ok {
				return nil, fmt.Errorf("vm: IMPORT_FROM without module in %q", f.code.Name())
			}
			f.push(&Module{Name: module.Name + "." + f.code.NameAt(arg)})

		case op.MakeFunction:
			child, ok := f.code.ConstantAt(arg).(*bytecode.Code)
			if !ok {
				return nil, fmt.Errorf("vm: MAKE_FUNCTION constant %d is not code in %q", arg, f.code.Name())
			}
			f.push(&Function{code: child})

		default:
			return nil, fmt.Errorf("vm: invalid opcode %d at offset %d in %q", opcode, instrIP, f.code.Name())
		}
	}
}

// raise starts exception dispatch with a string message value.
func (v *VM) raise(ip int, message string) (bool, error) {
	return v.raiseValue(ip, message)
}

// raiseValue unwinds frames looking for a protected region covering the
// faulting instruction. It returns true with the uncaught exception when no
// handler exists.
func (v *VM) raiseValue(ip int, value any) (bool, error) {
	if exc, ok := value.(*Exception); ok {
		value = exc.Value
	}
	faultIP := ip
	for len(v.frames) > 0 {
		f := v.frames[len(v.frames)-1]
		if entry, ok := findHandler(f.exc, faultIP); ok {
			if entry.Depth < len(f.stack) {
				f.stack = f.stack[:entry.Depth]
			}
			f.push(value)
			f.ip = entry.Handler
			f.ext = 0
			return false, nil
		}
		v.frames = v.frames[:len(v.frames)-1]
		faultIP = f.callIP
	}
	return true, &Exception{Value: value}
}

// findHandler returns the innermost protected region containing the offset:
// the entry with the greatest start and, among those, the smallest span.
func findHandler(entries []bytecode.ExceptionTableEntry, offset int) (bytecode.ExceptionTableEntry, bool) {
	var best bytecode.ExceptionTableEntry
	found := false
	for _, e := range entries {
		if !e.Contains(offset) {
			continue
		}
		if !found || e.Start > best.Start || (e.Start == best.Start && e.End < best.End) {
			best = e
			found = true
		}
	}
	return best, found
}

type rangeIter struct {
	next  int64
	limit int64
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}
