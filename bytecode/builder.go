package bytecode

import (
	"fmt"

	"github.com/deepnoodle-ai/linecov/op"
)

// Builder assembles a Code unit. It plays the role of the standard compiler:
// it resolves labels to relative jump distances, widens jump operands through
// ExtendedArg prefixes as needed, and encodes the line and exception tables.
type Builder struct {
	name      string
	filename  string
	pkg       string
	isModule  bool
	firstLine int
	curLine   int // 0 means no line attribution

	instrs    []builderInstr
	constants []any
	names     []string
	labels    []*Label
	regions   []builderRegion
	stackSize int
}

type builderInstr struct {
	opcode op.Code
	arg    uint32
	label  *Label // non-nil for symbolic jumps
	line   int    // 0 means no line
	ext    int    // ExtendedArg prefix slots, assigned during layout
	slot   int    // first emitted slot (ExtendedArg prefixes included)
}

type builderRegion struct {
	start   *Label
	end     *Label // exclusive
	handler *Label
	depth   int
}

// Label marks a position in the instruction stream. Labels are created with
// NewLabel and attached to the next emitted instruction with Bind.
type Label struct {
	index int
	bound bool
}

// BuilderParams contains parameters for creating a new Builder.
type BuilderParams struct {
	Name      string
	Filename  string
	Package   string
	IsModule  bool
	FirstLine int
	StackSize int
}

// NewBuilder creates a Builder for a unit with the given identity.
func NewBuilder(params BuilderParams) *Builder {
	firstLine := params.FirstLine
	if firstLine == 0 {
		firstLine = 1
	}
	return &Builder{
		name:      params.Name,
		filename:  params.Filename,
		pkg:       params.Package,
		isModule:  params.IsModule,
		firstLine: firstLine,
		stackSize: params.StackSize,
	}
}

// SetLine attributes subsequently emitted instructions to the given line.
func (b *Builder) SetLine(line int) {
	b.curLine = line
}

// NoLine clears line attribution for subsequently emitted instructions.
func (b *Builder) NoLine() {
	b.curLine = 0
}

// Emit appends an instruction. At most one operand may be given; opcodes
// without an operand encode a zero byte.
func (b *Builder) Emit(opcode op.Code, operand ...uint32) {
	var arg uint32
	if len(operand) > 0 {
		arg = operand[0]
	}
	b.instrs = append(b.instrs, builderInstr{opcode: opcode, arg: arg, line: b.curLine})
}

// EmitJump appends a relative jump targeting the given label.
func (b *Builder) EmitJump(opcode op.Code, target *Label) {
	b.instrs = append(b.instrs, builderInstr{opcode: opcode, label: target, line: b.curLine})
}

// NewLabel creates an unbound label.
func (b *Builder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Bind attaches the label to the next emitted instruction.
func (b *Builder) Bind(l *Label) {
	l.index = len(b.instrs)
	l.bound = true
}

// Constant appends a value to the constant pool and returns its index.
func (b *Builder) Constant(v any) int {
	b.constants = append(b.constants, v)
	return len(b.constants) - 1
}

// AddName appends a name to the name pool and returns its index.
func (b *Builder) AddName(name string) int {
	b.names = append(b.names, name)
	return len(b.names) - 1
}

// Protect registers an exception region covering [start, end) with the given
// handler and restore depth.
func (b *Builder) Protect(start, end, handler *Label, depth int) {
	b.regions = append(b.regions, builderRegion{start: start, end: end, handler: handler, depth: depth})
}

// SetStackSize declares the maximum operand stack depth of the unit.
func (b *Builder) SetStackSize(n int) {
	b.stackSize = n
}

// extArgsFor returns the number of ExtendedArg prefixes needed for the value.
func extArgsFor(v uint32) int {
	n := 0
	for v > 0xFF {
		v >>= 8
		n++
	}
	return n
}

// layout assigns slot positions, growing jump operands to a fixed point.
// Prefix insertions only ever increase distances, so the loop terminates.
func (b *Builder) layout() error {
	for i := range b.instrs {
		in := &b.instrs[i]
		if in.label == nil {
			in.ext = extArgsFor(in.arg)
		} else {
			in.ext = 0
		}
	}
	for {
		slot := 0
		for i := range b.instrs {
			b.instrs[i].slot = slot
			slot += 1 + b.instrs[i].ext
		}
		grown := false
		for i := range b.instrs {
			in := &b.instrs[i]
			if in.label == nil {
				continue
			}
			if !in.label.bound {
				return fmt.Errorf("bytecode: unbound label in %q", b.name)
			}
			target := b.slotOf(in.label)
			jumpSlot := in.slot + in.ext // slot of the jump opcode itself
			dist := target - (jumpSlot + 1)
			if dir, ok := op.Direction(in.opcode); ok && dir == op.JumpBackwardDirection {
				dist = -dist
			}
			if dist < 0 {
				return fmt.Errorf("bytecode: jump at slot %d in %q has wrong direction", jumpSlot, b.name)
			}
			in.arg = uint32(dist)
			if need := extArgsFor(in.arg); need > in.ext {
				in.ext = need
				grown = true
			}
		}
		if !grown {
			return nil
		}
	}
}

// slotOf returns the first slot of the instruction a label is bound to,
// ExtendedArg prefixes included. A label bound past the last instruction
// resolves to the end of the stream.
func (b *Builder) slotOf(l *Label) int {
	if l.index >= len(b.instrs) {
		last := b.instrs[len(b.instrs)-1]
		return last.slot + 1 + last.ext
	}
	return b.instrs[l.index].slot
}

// Build assembles the unit.
func (b *Builder) Build() (*Code, error) {
	if len(b.instrs) == 0 {
		return nil, fmt.Errorf("bytecode: unit %q has no instructions", b.name)
	}
	if err := b.layout(); err != nil {
		return nil, err
	}

	var code []byte
	var lines []int // line per emitted slot
	for _, in := range b.instrs {
		arg := in.arg
		for i := in.ext; i >= 1; i-- {
			code = append(code, byte(op.ExtendedArg), byte(arg>>(8*i)&0xFF))
			lines = append(lines, in.line)
		}
		code = append(code, byte(in.opcode), byte(arg&0xFF))
		lines = append(lines, in.line)
	}

	// Encode the line table by grouping consecutive slots on the same line
	var lineTable []byte
	prevLine := b.firstLine
	for i := 0; i < len(lines); {
		j := i
		for j < len(lines) && lines[j] == lines[i] {
			j++
		}
		units := j - i
		if lines[i] == 0 {
			lineTable = AppendNoLineChunks(lineTable, units)
		} else {
			lineTable = AppendLineChunks(lineTable, lines[i]-prevLine, units)
			prevLine = lines[i]
		}
		i = j
	}

	var entries []ExceptionTableEntry
	for _, r := range b.regions {
		if !r.start.bound || !r.end.bound || !r.handler.bound {
			return nil, fmt.Errorf("bytecode: unbound exception region label in %q", b.name)
		}
		startOffset := b.slotOf(r.start) * InstructionWidth
		endOffset := b.slotOf(r.end) * InstructionWidth
		if endOffset <= startOffset {
			return nil, fmt.Errorf("bytecode: empty exception region in %q", b.name)
		}
		entries = append(entries, ExceptionTableEntry{
			Start:   startOffset,
			End:     endOffset - InstructionWidth,
			Handler: b.slotOf(r.handler) * InstructionWidth,
			Depth:   r.depth,
		})
	}

	return NewCode(CodeParams{
		Name:           b.name,
		Filename:       b.filename,
		Package:        b.pkg,
		IsModule:       b.isModule,
		Instructions:   code,
		Constants:      b.constants,
		Names:          b.names,
		LineTable:      lineTable,
		FirstLine:      b.firstLine,
		ExceptionTable: CompileExceptionTable(entries),
		StackSize:      b.stackSize,
	}), nil
}
