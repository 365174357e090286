package metadata

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/fixedheap/memutils"
)

// FirstFitBlockMetadata manages an arena whose metadata lives entirely inside the arena bytes: an
// arena header followed by a chain of blocks, each headed by its own size and in-use flag. There is
// no separate free list; allocation scans the chain in address order and takes the first free block
// that is large enough.
//
// The struct itself only caches where the arena is and how it is aligned, so any number of
// FirstFitBlockMetadata values may be attached to the same buffer, as long as the consumer
// serializes every call across all of them.
type FirstFitBlockMetadata struct {
	BlockMetadataBase

	arena  []byte
	data   unsafe.Pointer
	pad    int
	policy CoalescePolicy
}

var _ BlockMetadata = &FirstFitBlockMetadata{}

func NewFirstFitBlockMetadata(policy CoalescePolicy) *FirstFitBlockMetadata {
	return &FirstFitBlockMetadata{
		policy: policy,
	}
}

// Policy returns the coalescing policy this metadata was created with
func (m *FirstFitBlockMetadata) Policy() CoalescePolicy {
	return m.policy
}

// LeadingPadding returns the number of bytes skipped at the start of the buffer to align the arena header
func (m *FirstFitBlockMetadata) LeadingPadding() int {
	return m.pad
}

func checkArenaSize(size int) error {
	if size < memutils.MinArenaSize {
		return cerrors.Wrapf(memutils.ErrArenaTooSmall, "arena size is %d, but the minimum is %d", size, memutils.MinArenaSize)
	}
	if size > memutils.MaxArenaSize {
		return cerrors.Wrapf(memutils.ErrArenaTooLarge, "arena size is %d, but the maximum is %d", size, memutils.MaxArenaSize)
	}

	return nil
}

func (m *FirstFitBlockMetadata) bind(arena []byte) {
	m.arena = arena
	m.data = unsafe.Pointer(unsafe.SliceData(arena))
	m.pad = leadingPadding(m.data)
	m.BlockMetadataBase.Init(len(arena))
}

func (m *FirstFitBlockMetadata) unbind() {
	m.arena = nil
	m.data = nil
	m.pad = 0
	m.BlockMetadataBase.Init(0)
}

// Init writes the arena header at the first aligned address of arena and a single free block that
// spans the rest of the buffer
func (m *FirstFitBlockMetadata) Init(arena []byte) error {
	err := checkArenaSize(len(arena))
	if err != nil {
		return err
	}

	m.bind(arena)

	header := m.arenaHeader()
	header.size = uint32(len(arena))
	header.magic = arenaMagic

	m.Clear()
	return nil
}

func (m *FirstFitBlockMetadata) Attach(arena []byte) error {
	err := checkArenaSize(len(arena))
	if err != nil {
		return err
	}

	m.bind(arena)

	header := m.arenaHeader()
	if header.magic != arenaMagic {
		m.unbind()
		return cerrors.Wrap(memutils.ErrNotInitialized, "arena header is missing its marker")
	}
	if int(header.size) != len(arena) {
		size := header.size
		m.unbind()
		return cerrors.Wrapf(memutils.ErrNotInitialized, "arena header records %d bytes, but the buffer is %d bytes", size, len(arena))
	}

	err = m.Validate()
	if err != nil {
		m.unbind()
		return err
	}

	return nil
}

func (m *FirstFitBlockMetadata) Invalidate() {
	if m.data == nil {
		return
	}

	m.arenaHeader().magic = 0
}

// Clear replaces every block with a single free block spanning the whole arena
func (m *FirstFitBlockMetadata) Clear() {
	first := m.header(m.firstBlock())
	first.size = uint32(m.Size() - m.firstBlock())
	first.inUse = 0
}

func (m *FirstFitBlockMetadata) Validate() error {
	if m.data == nil {
		return errors.New("metadata is not bound to an arena")
	}

	header := m.arenaHeader()
	if header.magic != arenaMagic {
		return errors.New("arena header is missing its marker")
	}

	if int(header.size) != m.Size() {
		return errors.Errorf("arena header records %d bytes, but the arena is %d bytes", header.size, m.Size())
	}

	var calculatedSize, endOffset int
	err := m.walk(func(offset int, block *blockHeader) error {
		if (offset-m.pad)%int(memutils.BlockAlignment) != 0 {
			return errors.Errorf("block header at offset %d is not aligned", offset)
		}

		if block.inUse > 1 {
			return errors.Errorf("block at offset %d has an invalid in-use flag %d", offset, block.inUse)
		}

		calculatedSize += int(block.size)
		endOffset = offset + int(block.size)
		return nil
	})
	if err != nil {
		return err
	}

	if endOffset != m.Size() {
		return errors.Errorf("the last block ends at offset %d, but the arena ends at offset %d", endOffset, m.Size())
	}

	expectedSize := m.Size() - m.firstBlock()
	if calculatedSize != expectedSize {
		return errors.Errorf("the usable size of the arena is %d, but the blocks only added up to %d", expectedSize, calculatedSize)
	}

	return nil
}

func (m *FirstFitBlockMetadata) AllocationCount() int {
	memutils.DebugValidate(m)

	var count int
	_ = m.walk(func(offset int, block *blockHeader) error {
		if !block.free() {
			count++
		}
		return nil
	})

	return count
}

func (m *FirstFitBlockMetadata) FreeRegionsCount() int {
	memutils.DebugValidate(m)

	var count int
	previousFree := false
	_ = m.walk(func(offset int, block *blockHeader) error {
		if block.free() && !previousFree {
			count++
		}
		previousFree = block.free()
		return nil
	})

	return count
}

func (m *FirstFitBlockMetadata) SumFreeSize() int {
	memutils.DebugValidate(m)

	var sum int
	_ = m.walk(func(offset int, block *blockHeader) error {
		if block.free() {
			sum += int(block.size)
		}
		return nil
	})

	return sum
}

func (m *FirstFitBlockMetadata) IsEmpty() bool {
	return m.AllocationCount() == 0
}

func (m *FirstFitBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, free bool) error) error {
	return m.walk(func(offset int, block *blockHeader) error {
		return handleBlock(BlockAllocationHandle(offset+blockHeaderSize), offset, int(block.size), block.free())
	})
}

func (m *FirstFitBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	offset, _, err := m.findBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return m.usableSize(offset), nil
}

func (m *FirstFitBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	memutils.DebugValidate(m)

	stats.BlockCount++
	stats.BlockBytes += m.Size()

	_ = m.walk(func(offset int, block *blockHeader) error {
		if block.free() {
			stats.AddUnusedRange(int(block.size))
		} else {
			stats.AddAllocation(int(block.size))
		}
		return nil
	})
}

func (m *FirstFitBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	memutils.DebugValidate(m)

	stats.BlockCount++
	stats.BlockBytes += m.Size()

	_ = m.walk(func(offset int, block *blockHeader) error {
		if !block.free() {
			stats.AllocationCount++
			stats.AllocationBytes += int(block.size)
		}
		return nil
	})
}

func (m *FirstFitBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.BlockMetadataBase.BlockJsonData(json, stats.UnusedBytes, stats.AllocationCount, stats.UnusedRangeCount)
	json.Name("LeadingPadding").Int(m.pad)
	json.Name("CoalescePolicy").String(m.policy.String())
}

func (m *FirstFitBlockMetadata) CheckCorruption() error {
	return m.walk(func(offset int, block *blockHeader) error {
		if block.free() {
			return nil
		}

		if !memutils.ValidateGuard(m.arena, m.guardOffset(offset)) {
			return cerrors.Wrapf(memutils.ErrCorruptionDetected, "block at offset %d", offset)
		}
		return nil
	})
}

func (m *FirstFitBlockMetadata) CreateAllocationRequest(allocSize int) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 0 {
		return false, allocRequest, cerrors.Wrapf(memutils.ErrInvalidSize, "allocSize is %d", allocSize)
	}

	memutils.DebugValidate(m)

	// Is the arena big enough at all?
	if allocSize > m.Size() {
		return false, allocRequest, nil
	}

	blockSize := blockHeaderSize + m.payloadSize(allocSize)
	found := false

	err := m.walk(func(offset int, block *blockHeader) error {
		if !block.free() {
			return nil
		}

		if m.policy == CoalesceOnAlloc {
			_, err := m.absorbFreeSuccessors(offset)
			if err != nil {
				return err
			}
		}

		if int(block.size) < blockSize {
			return nil
		}

		allocRequest.BlockAllocationHandle = BlockAllocationHandle(offset + blockHeaderSize)
		allocRequest.Size = allocSize
		allocRequest.BlockSize = blockSize
		found = true
		return errStopWalk
	})
	if err != nil && err != errStopWalk {
		return false, AllocationRequest{}, err
	}

	return found, allocRequest, nil
}

// errStopWalk ends a walk early without reporting a failure
var errStopWalk = errors.New("stop walk")

func (m *FirstFitBlockMetadata) Alloc(request AllocationRequest) error {
	offset := request.BlockAllocationHandle.headerOffset()
	if request.BlockAllocationHandle >= BlockAllocationHandle(m.Size()) || (offset-m.pad)%int(memutils.BlockAlignment) != 0 {
		return errors.New("allocation request had a block allocation handle that was incompatible with this arena")
	}

	err := m.checkBlock(offset)
	if err != nil {
		return err
	}

	block := m.header(offset)
	if !block.free() {
		return errors.New("allocation request had a block allocation header that is already in use")
	}
	if int(block.size) < request.BlockSize {
		return errors.New("allocation request had a block allocation header too small for the request")
	}

	block.inUse = 1
	err = m.split(offset, request.BlockSize)
	if err != nil {
		return err
	}

	memutils.WriteGuard(m.arena, m.guardOffset(offset))
	return nil
}

func (m *FirstFitBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	offset, prev, err := m.findBlock(allocHandle)
	if err != nil {
		return err
	}

	block := m.header(offset)
	block.inUse = 0

	if m.policy != CoalesceOnRelease {
		return nil
	}

	_, err = m.absorbFreeSuccessors(offset)
	if err != nil {
		return err
	}

	if prev >= 0 {
		prevBlock := m.header(prev)
		if prevBlock.free() {
			prevBlock.size += block.size
		}
	}

	return nil
}

func (m *FirstFitBlockMetadata) Resize(allocHandle BlockAllocationHandle, newSize int) (BlockAllocationHandle, error) {
	if newSize < 0 {
		return allocHandle, cerrors.Wrapf(memutils.ErrInvalidSize, "newSize is %d", newSize)
	}

	offset, _, err := m.findBlock(allocHandle)
	if err != nil {
		return allocHandle, err
	}

	if newSize > m.Size() {
		return allocHandle, cerrors.Wrapf(memutils.ErrOutOfMemory, "cannot resize to %d bytes in an arena of %d bytes", newSize, m.Size())
	}

	block := m.header(offset)
	currentSize := int(block.size)
	requiredSize := blockHeaderSize + m.payloadSize(newSize)

	if requiredSize == currentSize {
		return allocHandle, nil
	}

	if requiredSize <= currentSize-blockHeaderSize {
		// Shrink in place, the remainder becomes a free block
		err = m.split(offset, requiredSize)
		if err != nil {
			return allocHandle, err
		}

		memutils.WriteGuard(m.arena, m.guardOffset(offset))
		return allocHandle, nil
	}

	if requiredSize < currentSize {
		// Slack too small to split off, the block already fits
		return allocHandle, nil
	}

	if m.policy != CoalesceNone {
		grown, err := m.growInPlace(offset, requiredSize)
		if err != nil {
			return allocHandle, err
		}
		if grown {
			memutils.WriteGuard(m.arena, m.guardOffset(offset))
			return allocHandle, nil
		}
	}

	success, request, err := m.CreateAllocationRequest(newSize)
	if err != nil {
		return allocHandle, err
	}
	if !success {
		return allocHandle, cerrors.Wrapf(memutils.ErrOutOfMemory, "no free block can hold %d bytes", newSize)
	}

	err = m.Alloc(request)
	if err != nil {
		return allocHandle, err
	}

	newHandle := request.BlockAllocationHandle
	copySize := min(m.usableSize(offset), m.usableSize(newHandle.headerOffset()))
	copy(m.arena[int(newHandle):int(newHandle)+copySize], m.arena[int(allocHandle):int(allocHandle)+copySize])

	err = m.Free(allocHandle)
	if err != nil {
		return newHandle, err
	}

	return newHandle, nil
}

// growInPlace extends the block at offset over the free blocks that follow it, if together they
// provide requiredSize bytes. Nothing changes when they do not.
func (m *FirstFitBlockMetadata) growInPlace(offset int, requiredSize int) (bool, error) {
	block := m.header(offset)
	available := int(block.size)

	for next := offset + available; next < m.Size() && available < requiredSize; next = offset + available {
		err := m.checkBlock(next)
		if err != nil {
			return false, err
		}

		nextBlock := m.header(next)
		if !nextBlock.free() {
			break
		}

		available += int(nextBlock.size)
	}

	if available < requiredSize {
		return false, nil
	}

	block.size = uint32(available)
	return true, m.split(offset, requiredSize)
}

func (m *FirstFitBlockMetadata) MergeFreeRegions() (memutils.DefragmentationStats, error) {
	var stats memutils.DefragmentationStats

	err := m.walk(func(offset int, block *blockHeader) error {
		if !block.free() {
			return nil
		}

		merged, err := m.absorbFreeSuccessors(offset)
		stats.Add(memutils.DefragmentationStats{
			RegionsMerged:  merged,
			BytesReclaimed: merged * blockHeaderSize,
		})
		return err
	})

	return stats, err
}
