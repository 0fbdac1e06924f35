package instrument

import (
	"sort"

	"github.com/deepnoodle-ai/linecov/bytecode"
)

// prefixRun records ExtendedArg slots inserted by branch fixup: the final
// byte offset of the first inserted slot and how many slots were inserted.
type prefixRun struct {
	offset int
	units  int
}

// rebuildLineTable re-encodes the offset->line mapping for the rewritten
// instruction stream. Injected trap calls become runs with no location,
// inserted before the chunk covering the line they guard. Inserted branch
// prefixes extend the chunk of the jump they widen, overflowing into
// no-location chunks when the chunk span limit is reached.
//
// traps is keyed by original byte offset; prefixes carry final offsets.
func rebuildLineTable(table []byte, traps map[int]int, prefixes []prefixRun) ([]byte, error) {
	sort.Slice(prefixes, func(i, j int) bool { return prefixes[i].offset < prefixes[j].offset })
	next := 0

	var newData []byte
	originalOffset := 0 // bytes walked in the original stream
	offset := 0         // bytes walked in the rewritten stream
	pos := 0
	for pos < len(table) {
		chunk, p, err := bytecode.ParseLineChunk(table, pos)
		if err != nil {
			return nil, err
		}
		pos = p

		if trapUnits, ok := traps[originalOffset]; ok {
			// The trap call carries no location information.
			newData = bytecode.AppendNoLineChunks(newData, trapUnits)
			offset += trapUnits * bytecode.InstructionWidth
		}

		raw := append([]byte{}, chunk.Raw...)
		units := chunk.Units
		originalOffset += chunk.Units * bytecode.InstructionWidth
		offset += chunk.Units * bytecode.InstructionWidth

		// Extend this chunk over any prefixes inserted within it.
		var overflow int
		for next < len(prefixes) && offset > prefixes[next].offset {
			size := prefixes[next].units
			room := bytecode.MaxLineChunkUnits - units
			grow := size
			if grow > room {
				grow = room
			}
			raw[0] += byte(grow)
			units += grow
			overflow += size - grow
			offset += size * bytecode.InstructionWidth
			next++
		}
		newData = append(newData, raw...)
		if overflow > 0 {
			newData = bytecode.AppendNoLineChunks(newData, overflow)
		}
	}
	return newData, nil
}
