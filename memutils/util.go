package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

const (
	// BlockAlignment is the alignment, in bytes, of every arena header, block header and payload
	BlockAlignment uint = 8
	// HeaderSize is the size in bytes of both the arena header and every block header
	HeaderSize int = 8
	// MinArenaSize is the smallest buffer that can hold an arena header, one block header and a one-unit
	// payload regardless of how the buffer itself is aligned
	MinArenaSize int = 32
	// MaxArenaSize is the largest buffer whose sizes can be recorded in block headers
	MaxArenaSize int = 1<<32 - 1
)

func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T constraints.Integer](value T, alignment uint) T {
	DebugCheckPow2(alignment, "alignment")
	return (value + T(alignment) - 1) & ^(T(alignment) - 1)
}

func AlignDown[T constraints.Integer](value T, alignment uint) T {
	DebugCheckPow2(alignment, "alignment")
	return value & ^(T(alignment) - 1)
}

// Padding returns the number of bytes that must follow value to round it up to a multiple of alignment
func Padding[T constraints.Integer](value T, alignment uint) T {
	return AlignUp(value, alignment) - value
}
