package bytecode

import "fmt"

// The line table is a sequence of variable-length chunks. Each chunk starts
// with a header byte 0x80 | locCode<<3 | (units-1), covering 1..8 instruction
// slots. The location code selects the trailing payload:
//
//	15      no location, no payload
//	14      long form: signed varint line delta plus three varints
//	13      signed varint line delta, no column info
//	10..12  line delta of locCode-10, two trailing column bytes
//	0..9    same line, one trailing column byte
//
// Line deltas are relative to the previous chunk that carried a line, with
// the unit's FirstLine as the initial value.
const (
	// MaxLineChunkUnits is the largest number of instruction slots a single
	// chunk can span.
	MaxLineChunkUnits = 8

	// LocationNone marks a chunk with no associated source line.
	LocationNone = 15

	// LocationLong is the long-form location code (line delta and column
	// range payload).
	LocationLong = 14

	// LocationNoColumn carries only a signed line delta.
	LocationNoColumn = 13
)

// LineChunk is one decoded line-table chunk.
type LineChunk struct {
	Raw       []byte // encoded bytes, header included
	Units     int    // instruction slots covered
	LocCode   int
	LineDelta int // meaningful only when HasLine() is true
}

// HasLine reports whether the chunk carries source line information.
func (c LineChunk) HasLine() bool {
	return c.LocCode != LocationNone
}

// ParseLineChunk decodes the chunk starting at pos and returns it along with
// the position of the next chunk.
func ParseLineChunk(data []byte, pos int) (LineChunk, int, error) {
	if pos >= len(data) {
		return LineChunk{}, pos, fmt.Errorf("bytecode: line table truncated at %d", pos)
	}
	start := pos
	b := data[pos]
	pos++
	if b&0x80 == 0 {
		return LineChunk{}, pos, fmt.Errorf("bytecode: line table chunk at %d missing begin marker", start)
	}
	chunk := LineChunk{
		Units:   int(b&7) + 1,
		LocCode: int(b>>3) & 0xF,
	}
	var err error
	switch {
	case chunk.LocCode == LocationNone:
		// No payload
	case chunk.LocCode == LocationLong:
		var delta int64
		delta, pos, err = readSignedVarint(data, pos)
		if err != nil {
			return LineChunk{}, pos, err
		}
		chunk.LineDelta = int(delta)
		for i := 0; i < 3; i++ {
			_, pos, err = readVarint(data, pos)
			if err != nil {
				return LineChunk{}, pos, err
			}
		}
	case chunk.LocCode == LocationNoColumn:
		var delta int64
		delta, pos, err = readSignedVarint(data, pos)
		if err != nil {
			return LineChunk{}, pos, err
		}
		chunk.LineDelta = int(delta)
	case chunk.LocCode >= 10:
		chunk.LineDelta = chunk.LocCode - 10
		pos += 2
	default:
		pos++
	}
	if pos > len(data) {
		return LineChunk{}, pos, fmt.Errorf("bytecode: line table truncated at %d", start)
	}
	chunk.Raw = data[start:pos]
	return chunk, pos, nil
}

// AppendNoLineChunks appends chunks with no location covering the given
// number of instruction slots, splitting at the chunk span limit.
func AppendNoLineChunks(dst []byte, units int) []byte {
	for units > 0 {
		n := units
		if n > MaxLineChunkUnits {
			n = MaxLineChunkUnits
		}
		dst = append(dst, 0x80|LocationNone<<3|byte(n-1))
		units -= n
	}
	return dst
}

// AppendLineChunks appends chunks carrying the given line delta covering the
// given number of instruction slots. Continuation chunks past the span limit
// carry a zero delta.
func AppendLineChunks(dst []byte, delta int, units int) []byte {
	first := true
	for units > 0 {
		n := units
		if n > MaxLineChunkUnits {
			n = MaxLineChunkUnits
		}
		dst = append(dst, 0x80|LocationNoColumn<<3|byte(n-1))
		if first {
			dst = appendSignedVarint(dst, int64(delta))
			first = false
		} else {
			dst = appendSignedVarint(dst, 0)
		}
		units -= n
	}
	return dst
}

// LineStart records the first byte offset of a run of instructions
// attributed to a source line.
type LineStart struct {
	Offset int
	Line   int
}

// LineStarts decodes the table and returns the offsets where a new source
// line begins. Chunks without a location neither start a line nor end the
// previous one: a line interrupted by a no-location run does not restart.
func LineStarts(table []byte, firstLine int) ([]LineStart, error) {
	var starts []LineStart
	line := firstLine
	lastLine := -1
	offset := 0
	pos := 0
	for pos < len(table) {
		chunk, next, err := ParseLineChunk(table, pos)
		if err != nil {
			return nil, err
		}
		if chunk.HasLine() {
			line += chunk.LineDelta
			if line != lastLine {
				starts = append(starts, LineStart{Offset: offset, Line: line})
				lastLine = line
			}
		}
		offset += chunk.Units * InstructionWidth
		pos = next
	}
	return starts, nil
}
