package metadata

import "math"

// BlockAllocationHandle identifies a block in an arena by the offset of its payload from the start of
// the arena buffer. Handles of live blocks are stable until the block is freed or relocated by Resize.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// headerOffset returns the offset of the block header that precedes the payload this handle names
func (h BlockAllocationHandle) headerOffset() int {
	return int(h) - blockHeaderSize
}
