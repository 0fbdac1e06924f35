// Package dis disassembles compiled code units for inspection.
package dis

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/deepnoodle-ai/linecov/bytecode"
	"github.com/deepnoodle-ai/linecov/op"
)

// Instruction is one disassembled slot. ExtendedArg prefixes appear as their
// own rows; the instruction they widen shows the full accumulated operand.
type Instruction struct {
	Offset     int
	Opcode     op.Code
	Name       string
	Operand    int
	HasOperand bool
	Info       string
}

// Disassemble decodes the unit's instruction stream.
func Disassemble(code *bytecode.Code) ([]Instruction, error) {
	size := code.InstructionBytes()
	if size%bytecode.InstructionWidth != 0 {
		return nil, fmt.Errorf("dis: odd instruction stream length %d", size)
	}
	var out []Instruction
	ext := 0
	for offset := 0; offset < size; offset += bytecode.InstructionWidth {
		opcode := code.OpcodeAt(offset)
		operand := int(code.OperandAt(offset))
		info := op.GetInfo(opcode)
		name := info.Name
		if name == "" {
			name = fmt.Sprintf("UNKNOWN(%d)", opcode)
		}
		row := Instruction{
			Offset:     offset,
			Opcode:     opcode,
			Name:       name,
			Operand:    operand,
			HasOperand: info.HasOperand,
		}
		if opcode == op.ExtendedArg {
			ext = ext<<8 | operand
			out = append(out, row)
			continue
		}
		full := ext<<8 | operand
		ext = 0
		row.Operand = full
		row.Info = operandInfo(code, opcode, full, offset)
		out = append(out, row)
	}
	return out, nil
}

func operandInfo(code *bytecode.Code, opcode op.Code, arg int, offset int) string {
	switch opcode {
	case op.LoadConst, op.MakeFunction:
		if arg < code.ConstantCount() {
			return constRepr(code.ConstantAt(arg))
		}
	case op.LoadGlobal, op.StoreGlobal, op.ImportName, op.ImportFrom:
		if arg < code.NameCount() {
			return code.NameAt(arg)
		}
	case op.BinaryOp:
		return op.BinaryOpType(arg).String()
	case op.CompareOp:
		return op.CompareOpType(arg).String()
	}
	if dir, ok := op.Direction(opcode); ok {
		target := offset + bytecode.InstructionWidth + arg*bytecode.InstructionWidth*int(dir)
		return fmt.Sprintf("to %d", target)
	}
	return ""
}

func constRepr(constant any) string {
	switch v := constant.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(v)
	case *bytecode.Code:
		return fmt.Sprintf("<code %s>", v.Name())
	case bytecode.HookRef:
		return "<line hook>"
	case bytecode.LineDescriptor:
		return v.String()
	case func(bytecode.LineDescriptor):
		return "<line hook>"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Print writes the disassembly as a table.
func Print(instructions []Instruction, w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Offset", "Opcode", "Operands", "Info"})
	table.SetAutoFormatHeaders(true)
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT,
	})
	for _, in := range instructions {
		operand := ""
		if in.HasOperand {
			operand = strconv.Itoa(in.Operand)
		}
		table.Append([]string{strconv.Itoa(in.Offset), in.Name, operand, in.Info})
	}
	table.Render()
}
