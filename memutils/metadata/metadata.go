package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/fixedheap/memutils"
)

// BlockMetadata manages the blocks of a single fixed-size arena. Implementations are not safe for
// concurrent use: the consumer must serialize every call, including read-only ones, because
// implementations may keep their state inside the arena bytes themselves.
type BlockMetadata interface {
	// Init lays out a fresh arena across the provided buffer, discarding anything it contained. The
	// buffer is left untouched when an error is returned.
	Init(arena []byte) error
	// Attach binds the implementation to a buffer that was already initialized by Init, possibly by
	// another BlockMetadata instance.
	Attach(arena []byte) error
	// Invalidate marks the arena as no longer initialized so that it cannot be attached again
	Invalidate()
	// Size retrieves the size in bytes of the arena buffer
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks walk every block
	// and should generally be used for diagnostics and tests.
	Validate() error
	// AllocationCount returns the number of blocks currently in use
	AllocationCount() int
	// FreeRegionsCount returns the number of runs of adjacent free blocks
	FreeRegionsCount() int
	// SumFreeSize returns the total size of all free blocks, headers included
	SumFreeSize() int
	// IsEmpty will return true if this arena has no blocks in use
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each block in address order. offset is
	// the offset of the block header and size the size of the whole block record.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, free bool) error) error
	// AllocationSize returns the number of payload bytes usable through the provided handle
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)

	// AddDetailedStatistics sums this arena's block statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this arena's block statistics into the provided object
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all blocks
	Clear()
	// BlockJsonData populates a json object with information about this arena
	BlockJsonData(json *jwriter.ObjectState)
	// CheckCorruption verifies the guard bytes written after every live payload. Guard bytes are only
	// written when the debug_mem_utils build tag is present; without it this method always succeeds.
	CheckCorruption() error

	// CreateAllocationRequest finds a place for allocSize payload bytes without changing any block in
	// use. Under CoalesceOnAlloc, runs of free blocks passed by the scan are merged.
	// It returns false with a nil error when no free block is large enough.
	CreateAllocationRequest(allocSize int) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest, marking the chosen block in use and splitting off any
	// remainder large enough to form a block of its own.
	Alloc(request AllocationRequest) error
	// Free marks a block free again. It returns memutils.ErrDoubleFree if the handle addresses free
	// memory, including a block that was already freed and merged into a neighbor, and
	// memutils.ErrForeignPointer if it otherwise does not name a block in this arena.
	Free(allocHandle BlockAllocationHandle) error
	// Resize changes the payload size of a block, returning the block's handle afterward, which differs
	// from allocHandle when the block had to be relocated. On failure the original block is untouched.
	Resize(allocHandle BlockAllocationHandle, newSize int) (BlockAllocationHandle, error)
	// MergeFreeRegions merges every run of adjacent free blocks into a single block
	MergeFreeRegions() (memutils.DefragmentationStats, error)
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size int
}

// Init records the size in bytes of the arena being managed
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the arena in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this arena
func (m *BlockMetadataBase) BlockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
