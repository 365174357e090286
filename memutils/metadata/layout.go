package metadata

import (
	"unsafe"

	"github.com/vkngwrapper/fixedheap/memutils"
)

// arenaMagic marks an arena header written by Init and not yet invalidated
const arenaMagic uint32 = 0x48454150

const blockHeaderSize = memutils.HeaderSize

// arenaHeader sits at the first 8-byte aligned address of the arena buffer
type arenaHeader struct {
	size  uint32
	magic uint32
}

// blockHeader precedes every payload. size covers the header, the payload and any padding or slack
// that follows it, so the next header is always at the header's offset plus size.
type blockHeader struct {
	size  uint32
	inUse uint32
}

func (b *blockHeader) free() bool {
	return b.inUse == 0
}

// leadingPadding returns the number of bytes that must be skipped from data to reach an address
// aligned for the arena header
func leadingPadding(data unsafe.Pointer) int {
	return int(memutils.Padding(uintptr(data), memutils.BlockAlignment))
}

func (m *FirstFitBlockMetadata) arenaHeader() *arenaHeader {
	return (*arenaHeader)(unsafe.Add(m.data, m.pad))
}

func (m *FirstFitBlockMetadata) header(offset int) *blockHeader {
	return (*blockHeader)(unsafe.Add(m.data, offset))
}

// firstBlock returns the offset of the first block header, immediately after the arena header
func (m *FirstFitBlockMetadata) firstBlock() int {
	return m.pad + memutils.HeaderSize
}

// payloadSize returns the number of bytes a block must reserve after its header to hold size bytes.
// Zero-byte requests reserve one alignment unit so their payload still lies inside the arena.
func (m *FirstFitBlockMetadata) payloadSize(size int) int {
	return memutils.AlignUp(max(size, 1), memutils.BlockAlignment) + memutils.DebugMargin
}

// usableSize returns the number of payload bytes the block at offset can hold. Slack too small to
// split off the block is not usable.
func (m *FirstFitBlockMetadata) usableSize(offset int) int {
	return memutils.AlignDown(int(m.header(offset).size)-blockHeaderSize-memutils.DebugMargin, memutils.BlockAlignment)
}

// guardOffset returns the offset of the debug margin that follows the usable payload of the block at offset
func (m *FirstFitBlockMetadata) guardOffset(offset int) int {
	return offset + blockHeaderSize + m.usableSize(offset)
}
