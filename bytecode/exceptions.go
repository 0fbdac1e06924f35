package bytecode

import "fmt"

// ExceptionTableEntry describes one protected region of a code unit. Start
// and End are byte offsets of the first and last covered instruction (End is
// inclusive). Handler is the byte offset control transfers to when an
// exception is raised inside the region. Depth is the operand stack depth to
// restore before the exception value is pushed for the handler.
type ExceptionTableEntry struct {
	Start   int
	End     int
	Handler int
	Depth   int
}

// Contains reports whether the instruction at the given byte offset lies
// inside the protected region.
func (e ExceptionTableEntry) Contains(offset int) bool {
	return e.Start <= offset && offset <= e.End
}

// ParseExceptionTable decodes the varint-encoded exception table. Each entry
// is four varints: start, length and handler in instruction units, then the
// stack depth. The first varint of an entry carries the begin marker.
func ParseExceptionTable(data []byte) ([]ExceptionTableEntry, error) {
	var entries []ExceptionTableEntry
	pos := 0
	for pos < len(data) {
		start, next, err := readVarint(data, pos)
		if err != nil {
			return nil, fmt.Errorf("bytecode: invalid exception table: %w", err)
		}
		length, next, err := readVarint(data, next)
		if err != nil {
			return nil, fmt.Errorf("bytecode: invalid exception table: %w", err)
		}
		handler, next, err := readVarint(data, next)
		if err != nil {
			return nil, fmt.Errorf("bytecode: invalid exception table: %w", err)
		}
		depth, next, err := readVarint(data, next)
		if err != nil {
			return nil, fmt.Errorf("bytecode: invalid exception table: %w", err)
		}
		if length == 0 {
			return nil, fmt.Errorf("bytecode: invalid exception table: empty region at %d", pos)
		}
		startOffset := int(start) * InstructionWidth
		entries = append(entries, ExceptionTableEntry{
			Start:   startOffset,
			End:     startOffset + int(length)*InstructionWidth - InstructionWidth,
			Handler: int(handler) * InstructionWidth,
			Depth:   int(depth),
		})
		pos = next
	}
	return entries, nil
}

// CompileExceptionTable encodes entries into the table's varint form.
func CompileExceptionTable(entries []ExceptionTableEntry) []byte {
	var table []byte
	for _, e := range entries {
		size := e.End - e.Start + InstructionWidth
		table = appendVarint(table, uint64(e.Start/InstructionWidth), true)
		table = appendVarint(table, uint64(size/InstructionWidth), false)
		table = appendVarint(table, uint64(e.Handler/InstructionWidth), false)
		table = appendVarint(table, uint64(e.Depth), false)
	}
	return table
}
