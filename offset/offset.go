// Package offset implements the Durable Streams position token: a pair of
// 64-bit counters rendered as a lexicographically sortable string.
package offset

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a position within a stream: how many messages precede it
// (ReadSeq) and how many bytes precede it in the segment file (ByteOffset).
type Offset struct {
	ReadSeq    uint64
	ByteOffset uint64
}

// Zero is the offset of an empty stream.
var Zero = Offset{}

// String renders the canonical "%016d_%016d" form.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether o is the start-of-stream offset.
func (o Offset) IsZero() bool {
	return o == Zero
}

// Advance returns the offset reached after one more message of n bytes.
func (o Offset) Advance(n uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq + 1, ByteOffset: o.ByteOffset + n}
}

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
func Compare(a, b Offset) int {
	switch {
	case a.ReadSeq < b.ReadSeq:
		return -1
	case a.ReadSeq > b.ReadSeq:
		return 1
	case a.ByteOffset < b.ByteOffset:
		return -1
	case a.ByteOffset > b.ByteOffset:
		return 1
	default:
		return 0
	}
}

// Less reports whether o sorts before other.
func (o Offset) Less(other Offset) bool { return Compare(o, other) < 0 }

// Equal reports whether o and other denote the same position.
func (o Offset) Equal(other Offset) bool { return o == other }

// Parse parses the canonical offset form. The literal "-1" and the empty
// string both mean "before start" and parse to Zero. Any other form must
// be exactly "<digits>_<digits>" with no sign, no leading '+', and no
// scientific notation; leading zeros are permitted (they are how the
// canonical form pads to 16 digits).
func Parse(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return Zero, nil
	}

	if !isWellFormed(s) {
		return Offset{}, fmt.Errorf("offset: invalid format %q", s)
	}

	parts := strings.SplitN(s, "_", 2)
	readSeq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("offset: invalid readSeq in %q: %w", s, err)
	}
	byteOffset, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("offset: invalid byteOffset in %q: %w", s, err)
	}
	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// isWellFormed checks for exactly one interior underscore surrounded by
// digits only — no control characters, signs, or extra separators.
func isWellFormed(s string) bool {
	if len(s) < 3 {
		return false
	}
	underscoreAt := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			if underscoreAt != -1 {
				return false
			}
			underscoreAt = i
		case c < '0' || c > '9':
			return false
		}
	}
	return underscoreAt > 0 && underscoreAt < len(s)-1
}
