//go:build debug_mem_utils

package memutils

import "golang.org/x/exp/constraints"

// DebugMargin is the number of guard bytes placed after each payload in arenas managed by memutils.
// It is a multiple of BlockAlignment so payload alignment is unaffected.
const DebugMargin int = 16

// WriteGuard fills the DebugMargin bytes of arena starting at offset with an easy-to-identify pattern.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteGuard(arena []byte, offset int) {
	guard := arena[offset : offset+DebugMargin]
	for i := range guard {
		guard[i] = guardPattern[i%len(guardPattern)]
	}
}

// ValidateGuard reports whether the pattern written by WriteGuard at offset is still intact.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateGuard(arena []byte, offset int) bool {
	if offset < 0 || offset+DebugMargin > len(arena) {
		return false
	}

	guard := arena[offset : offset+DebugMargin]
	for i, b := range guard {
		if b != guardPattern[i%len(guardPattern)] {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T constraints.Integer](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
