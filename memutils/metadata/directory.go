package metadata

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/fixedheap/memutils"
)

// checkBlock verifies that the header at offset lies in the arena and describes a block that ends
// within the arena. Every walk calls it before trusting a header, so a corrupted size is reported
// rather than followed out of the buffer.
func (m *FirstFitBlockMetadata) checkBlock(offset int) error {
	if offset < m.firstBlock() || offset+blockHeaderSize > m.Size() {
		return cerrors.Wrapf(memutils.ErrCorruptDirectory, "block header at offset %d lies outside the arena", offset)
	}

	size := int(m.header(offset).size)
	if size < blockHeaderSize || offset+size > m.Size() {
		return cerrors.Wrapf(memutils.ErrCorruptDirectory,
			"block at offset %d has size %d, but the arena ends at offset %d", offset, size, m.Size())
	}

	return nil
}

// walk calls visit for each block header in address order, starting at the first block and advancing
// by each block's size until the end of the arena
func (m *FirstFitBlockMetadata) walk(visit func(offset int, block *blockHeader) error) error {
	for offset := m.firstBlock(); offset < m.Size(); {
		err := m.checkBlock(offset)
		if err != nil {
			return err
		}

		block := m.header(offset)
		err = visit(offset, block)
		if err != nil {
			return err
		}

		offset += int(block.size)
	}

	return nil
}

// findBlock walks the directory for the block whose payload starts at the handle's offset. It returns
// the block header's offset and the offset of the block before it, or -1 for the first block.
func (m *FirstFitBlockMetadata) findBlock(allocHandle BlockAllocationHandle) (offset int, prev int, err error) {
	if allocHandle >= BlockAllocationHandle(m.Size()) {
		return -1, -1, cerrors.Wrapf(memutils.ErrForeignPointer, "handle %d lies outside an arena of %d bytes", allocHandle, m.Size())
	}

	target := allocHandle.headerOffset()
	prev = -1
	for offset = m.firstBlock(); offset <= target && offset < m.Size(); {
		err = m.checkBlock(offset)
		if err != nil {
			return -1, -1, err
		}

		block := m.header(offset)
		if offset == target {
			if block.free() {
				return -1, -1, cerrors.Wrapf(memutils.ErrDoubleFree, "block at offset %d", offset)
			}
			return offset, prev, nil
		}

		// A block that was released and then merged into a free neighbor leaves its handle pointing
		// into the middle of that free block
		if block.free() && target < offset+int(block.size) && (target-m.pad)%int(memutils.BlockAlignment) == 0 {
			return -1, -1, cerrors.Wrapf(memutils.ErrDoubleFree, "offset %d lies inside the free block at offset %d", target, offset)
		}

		prev = offset
		offset += int(block.size)
	}

	return -1, -1, cerrors.Wrapf(memutils.ErrForeignPointer, "no block payload starts at offset %d", allocHandle)
}

// absorbFreeSuccessors merges every free block that directly follows the block at offset into it and
// returns the number of blocks absorbed
func (m *FirstFitBlockMetadata) absorbFreeSuccessors(offset int) (int, error) {
	block := m.header(offset)
	merged := 0

	for next := offset + int(block.size); next < m.Size(); next = offset + int(block.size) {
		err := m.checkBlock(next)
		if err != nil {
			return merged, err
		}

		nextBlock := m.header(next)
		if !nextBlock.free() {
			break
		}

		block.size += nextBlock.size
		merged++
	}

	return merged, nil
}

// split trims the block at offset down to blockSize bytes and turns the remainder into a free block
// immediately after it. Remainders smaller than a block header stay in the block as slack.
func (m *FirstFitBlockMetadata) split(offset int, blockSize int) error {
	block := m.header(offset)
	remainder := int(block.size) - blockSize
	if remainder < blockHeaderSize {
		return nil
	}

	block.size = uint32(blockSize)
	rest := m.header(offset + blockSize)
	rest.size = uint32(remainder)
	rest.inUse = 0

	if m.policy == CoalesceNone {
		return nil
	}

	_, err := m.absorbFreeSuccessors(offset + blockSize)
	return err
}
