package coverage

import "math/bits"

// Lines is a set of source line numbers, stored as a bitmap. The zero value
// is an empty set ready to use.
type Lines struct {
	words []uint64
}

// NewLines creates an empty line set.
func NewLines(lines ...int) *Lines {
	l := &Lines{}
	for _, line := range lines {
		l.Add(line)
	}
	return l
}

// Add inserts a line number. Negative lines are ignored.
func (l *Lines) Add(line int) {
	if line < 0 {
		return
	}
	word := line / 64
	for len(l.words) <= word {
		l.words = append(l.words, 0)
	}
	l.words[word] |= 1 << (line % 64)
}

// Contains reports whether the line is in the set.
func (l *Lines) Contains(line int) bool {
	if line < 0 {
		return false
	}
	word := line / 64
	if word >= len(l.words) {
		return false
	}
	return l.words[word]&(1<<(line%64)) != 0
}

// Merge unions the other set into this one.
func (l *Lines) Merge(other *Lines) {
	if other == nil {
		return
	}
	for len(l.words) < len(other.words) {
		l.words = append(l.words, 0)
	}
	for i, w := range other.words {
		l.words[i] |= w
	}
}

// Count returns the number of lines in the set.
func (l *Lines) Count() int {
	n := 0
	for _, w := range l.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Sorted returns the lines in ascending order.
func (l *Lines) Sorted() []int {
	var lines []int
	for i, w := range l.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			lines = append(lines, i*64+bit)
			w &= w - 1
		}
	}
	return lines
}

// Copy returns an independent copy of the set.
func (l *Lines) Copy() *Lines {
	dst := &Lines{words: make([]uint64, len(l.words))}
	copy(dst.words, l.words)
	return dst
}
