package bytecode

import "errors"

// Varints pack values into 6-bit groups, most significant group first.
// Bit 0x40 marks a continuation byte and bit 0x80 may be set on the first
// byte of a record as a begin marker (used by the exception table).

var errTruncatedVarint = errors.New("bytecode: truncated varint")

// appendVarint appends the varint encoding of v to dst. If beginMarker is
// true the first byte has its high bit set.
func appendVarint(dst []byte, v uint64, beginMarker bool) []byte {
	var tmp [12]byte
	n := 0
	for {
		b := byte(v & 63)
		if n > 0 {
			b |= 64
		}
		tmp[n] = b
		n++
		v >>= 6
		if v == 0 {
			break
		}
	}
	// tmp holds the groups least significant first; emit in reverse
	start := len(dst)
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, tmp[i])
	}
	if beginMarker {
		dst[start] |= 128
	}
	return dst
}

// readVarint decodes a varint starting at pos. It returns the value and the
// position of the next byte. The begin-marker bit is ignored.
func readVarint(data []byte, pos int) (uint64, int, error) {
	if pos >= len(data) {
		return 0, pos, errTruncatedVarint
	}
	b := data[pos]
	pos++
	v := uint64(b & 63)
	for b&64 != 0 {
		if pos >= len(data) {
			return 0, pos, errTruncatedVarint
		}
		b = data[pos]
		pos++
		v = v<<6 | uint64(b&63)
	}
	return v, pos, nil
}

// appendSignedVarint appends a signed varint: the sign lives in the least
// significant bit of the encoded value.
func appendSignedVarint(dst []byte, v int64) []byte {
	var u uint64
	if v < 0 {
		u = uint64(-v)<<1 | 1
	} else {
		u = uint64(v) << 1
	}
	return appendVarint(dst, u, false)
}

// readSignedVarint decodes a signed varint starting at pos.
func readSignedVarint(data []byte, pos int) (int64, int, error) {
	u, next, err := readVarint(data, pos)
	if err != nil {
		return 0, next, err
	}
	v := int64(u >> 1)
	if u&1 != 0 {
		v = -v
	}
	return v, next, nil
}
