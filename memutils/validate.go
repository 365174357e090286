package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// guardPattern is repeated across the DebugMargin bytes that follow each payload when the
// debug_mem_utils build tag is present
var guardPattern = [4]byte{0xE6, 0x66, 0x84, 0x7F}
