package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrArenaTooSmall is returned when a buffer cannot hold the arena header, one block header and a
	// minimal payload
	ErrArenaTooSmall = errors.New("arena is smaller than the minimum arena size")
	// ErrArenaTooLarge is returned when a buffer is too large for the 32-bit sizes recorded in block headers
	ErrArenaTooLarge = errors.New("arena is larger than the maximum arena size")
	// ErrNotInitialized is returned when attaching to a buffer that does not carry an initialized arena header
	ErrNotInitialized = errors.New("buffer does not contain an initialized arena")
	// ErrHeapDestroyed is returned by every operation on a heap after Destroy has succeeded
	ErrHeapDestroyed = errors.New("heap has been destroyed")

	// ErrOutOfMemory is returned when no free block in the arena can satisfy a request
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidSize is returned when a negative size is requested
	ErrInvalidSize = errors.New("invalid allocation size")
	// ErrForeignPointer is returned when a pointer does not address the payload of any block in the arena
	ErrForeignPointer = errors.New("pointer was not allocated from this arena")
	// ErrDoubleFree is returned when a pointer addresses a block that is not in use
	ErrDoubleFree = errors.New("block is not in use")
	// ErrAllocationsOutstanding is returned when destroying a heap that still has live allocations
	ErrAllocationsOutstanding = errors.New("some allocations were not released before destruction")

	// ErrCorruptDirectory is returned when block headers no longer describe a valid chain of blocks
	ErrCorruptDirectory = errors.New("block directory is corrupt")
	// ErrCorruptionDetected is returned when the guard bytes written after an allocation were overwritten
	ErrCorruptionDetected = errors.New("memory corruption detected after validated allocation")
)
