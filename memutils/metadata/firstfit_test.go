package metadata_test

import (
	"math"
	"testing"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/fixedheap/memutils"
	"github.com/vkngwrapper/fixedheap/memutils/metadata"
)

// alignedBuffer returns a buffer whose first byte is 8-byte aligned
func alignedBuffer(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

func blockSize(payload int) int {
	return memutils.HeaderSize + memutils.AlignUp(max(payload, 1), memutils.BlockAlignment) + memutils.DebugMargin
}

func allocate(t *testing.T, m *metadata.FirstFitBlockMetadata, size int) metadata.BlockAllocationHandle {
	success, req, err := m.CreateAllocationRequest(size)
	require.NoError(t, err)
	require.True(t, success)

	err = m.Alloc(req)
	require.NoError(t, err)
	return req.BlockAllocationHandle
}

func allocateUntilFull(t *testing.T, m *metadata.FirstFitBlockMetadata, size int) int {
	count := 0
	for {
		success, req, err := m.CreateAllocationRequest(size)
		require.NoError(t, err)
		if !success {
			return count
		}

		require.NoError(t, m.Alloc(req))
		count++
	}
}

func freeBlockCount(t *testing.T, m *metadata.FirstFitBlockMetadata) int {
	count := 0
	err := m.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, free bool) error {
		if free {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestFirstFitBasicAlloc(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(alignedBuffer(1024)))
	require.NoError(t, m.Validate())

	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1024,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		UnusedBytes:        1016,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1016,
		UnusedRangeSizeMax: 1016,
	}, stats)

	alloc1 := allocate(t, m, 100)
	require.Equal(t, metadata.BlockAllocationHandle(16), alloc1)
	require.NoError(t, m.Validate())

	used := blockSize(100)
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1024,
			AllocationCount: 1,
			AllocationBytes: used,
		},
		UnusedRangeCount:   1,
		UnusedBytes:        1016 - used,
		AllocationSizeMin:  used,
		AllocationSizeMax:  used,
		UnusedRangeSizeMin: 1016 - used,
		UnusedRangeSizeMax: 1016 - used,
	}, stats)

	size, err := m.AllocationSize(alloc1)
	require.NoError(t, err)
	require.Equal(t, 104, size)

	require.NoError(t, m.Free(alloc1))
	require.NoError(t, m.Validate())
	require.True(t, m.IsEmpty())
	require.Equal(t, 1016, m.SumFreeSize())
	require.Equal(t, 1, freeBlockCount(t, m))
}

func TestFirstFitScenarioLargeRequestFails(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(alignedBuffer(1024)))

	alloc := allocate(t, m, 512)
	require.Zero(t, uint64(alloc)%uint64(memutils.BlockAlignment))

	var before memutils.DetailedStatistics
	before.Clear()
	m.AddDetailedStatistics(&before)

	success, _, err := m.CreateAllocationRequest(2048)
	require.NoError(t, err)
	require.False(t, success)

	var after memutils.DetailedStatistics
	after.Clear()
	m.AddDetailedStatistics(&after)
	require.Equal(t, before, after)
	require.NoError(t, m.Validate())
}

func TestFirstFitInitTooSmall(t *testing.T) {
	buf := alignedBuffer(memutils.MinArenaSize - 1)
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)

	err := m.Init(buf)
	require.True(t, errors.Is(err, memutils.ErrArenaTooSmall))
	require.Equal(t, make([]byte, len(buf)), buf)
}

func TestFirstFitAlignmentUnalignedBase(t *testing.T) {
	backing := alignedBuffer(2048)
	buf := backing[97:]

	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(buf))
	require.Equal(t, 7, m.LeadingPadding())

	base := uintptr(unsafe.Pointer(&buf[0]))
	for _, size := range []int{0, 1, 3, 8, 13, 64, 99} {
		handle := allocate(t, m, size)
		require.Zero(t, (base+uintptr(handle))%uintptr(memutils.BlockAlignment), "size %d", size)

		usable, err := m.AllocationSize(handle)
		require.NoError(t, err)
		require.GreaterOrEqual(t, usable, size)
		require.LessOrEqual(t, int(handle)+usable, len(buf))
	}

	require.NoError(t, m.Validate())
}

func TestFirstFitCapacityMonotonic(t *testing.T) {
	for _, size := range []int{64, 100, 256, 1000} {
		small := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
		require.NoError(t, small.Init(alignedBuffer(size)))

		large := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
		require.NoError(t, large.Init(alignedBuffer(size*2)))

		smallCount := allocateUntilFull(t, small, 8)
		largeCount := allocateUntilFull(t, large, 8)
		require.LessOrEqual(t, smallCount, largeCount, "arena size %d", size)
	}
}

func TestFirstFitCapacityUnalignedTail(t *testing.T) {
	aligned := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, aligned.Init(alignedBuffer(2048)))

	unaligned := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, unaligned.Init(alignedBuffer(2052)))

	require.Equal(t, allocateUntilFull(t, aligned, 8), allocateUntilFull(t, unaligned, 8))
	require.NoError(t, aligned.Validate())
	require.NoError(t, unaligned.Validate())
}

func TestFirstFitReuse(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(alignedBuffer(1024)))

	a := allocate(t, m, 64)
	b := allocate(t, m, 64)
	require.NotEqual(t, a, b)

	require.NoError(t, m.Free(a))
	require.Equal(t, a, allocate(t, m, 64))
	require.Equal(t, 2, m.AllocationCount())
	require.NoError(t, m.Validate())
}

func TestFirstFitZeroSize(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(alignedBuffer(256)))

	a := allocate(t, m, 0)
	b := allocate(t, m, 0)
	require.NotEqual(t, a, b)

	size, err := m.AllocationSize(a)
	require.NoError(t, err)
	require.Equal(t, 8, size)

	_, _, err = m.CreateAllocationRequest(-1)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))
}

func TestFirstFitFreeErrors(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(alignedBuffer(1024)))

	a := allocate(t, m, 64)
	_ = allocate(t, m, 64)

	err := m.Free(a + 8)
	require.True(t, errors.Is(err, memutils.ErrForeignPointer))

	err = m.Free(metadata.NoAllocation)
	require.True(t, errors.Is(err, memutils.ErrForeignPointer))

	err = m.Free(2)
	require.True(t, errors.Is(err, memutils.ErrForeignPointer))

	require.NoError(t, m.Free(a))
	err = m.Free(a)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))

	_, err = m.AllocationSize(a)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))
	require.NoError(t, m.Validate())
}

func TestFirstFitCoalesceOnRelease(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(alignedBuffer(1024)))

	a := allocate(t, m, 64)
	b := allocate(t, m, 64)
	_ = allocate(t, m, 64)

	require.NoError(t, m.Free(a))
	require.NoError(t, m.Free(b))
	require.Equal(t, 2, freeBlockCount(t, m))
	require.Equal(t, 2, m.FreeRegionsCount())

	// The merged pair is large enough for a request neither block could serve alone
	require.Equal(t, a, allocate(t, m, 120))
	require.NoError(t, m.Validate())
}

func TestFirstFitCoalesceOnAlloc(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnAlloc)
	require.NoError(t, m.Init(alignedBuffer(1024)))

	a := allocate(t, m, 64)
	b := allocate(t, m, 64)
	_ = allocate(t, m, 64)

	require.NoError(t, m.Free(a))
	require.NoError(t, m.Free(b))
	require.Equal(t, 3, freeBlockCount(t, m))
	require.Equal(t, 2, m.FreeRegionsCount())

	require.Equal(t, a, allocate(t, m, 120))
	require.NoError(t, m.Validate())
}

func TestFirstFitCoalesceNone(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceNone)
	require.NoError(t, m.Init(alignedBuffer(1024)))

	a := allocate(t, m, 64)
	b := allocate(t, m, 64)
	c := allocate(t, m, 64)

	require.NoError(t, m.Free(a))
	require.NoError(t, m.Free(b))
	require.Equal(t, 3, freeBlockCount(t, m))

	// Neither freed block is large enough on its own, so the request lands after c
	d := allocate(t, m, 120)
	require.Greater(t, uint64(d), uint64(c))
	require.NoError(t, m.Validate())
}

func TestFirstFitMergeFreeRegions(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceNone)
	require.NoError(t, m.Init(alignedBuffer(1024)))

	a := allocate(t, m, 64)
	b := allocate(t, m, 64)
	c := allocate(t, m, 64)

	require.NoError(t, m.Free(a))
	require.NoError(t, m.Free(b))

	stats, err := m.MergeFreeRegions()
	require.NoError(t, err)
	require.Equal(t, memutils.DefragmentationStats{RegionsMerged: 1, BytesReclaimed: 8}, stats)
	require.Equal(t, 2, freeBlockCount(t, m))

	require.NoError(t, m.Free(c))
	stats, err = m.MergeFreeRegions()
	require.NoError(t, err)
	require.Equal(t, memutils.DefragmentationStats{RegionsMerged: 2, BytesReclaimed: 16}, stats)
	require.Equal(t, 1, freeBlockCount(t, m))
	require.Equal(t, 1016, m.SumFreeSize())
	require.NoError(t, m.Validate())
}

func fill(arena []byte, handle metadata.BlockAllocationHandle, size int, seed byte) {
	for i := 0; i < size; i++ {
		arena[int(handle)+i] = seed + byte(i)
	}
}

func requireFilled(t *testing.T, arena []byte, handle metadata.BlockAllocationHandle, size int, seed byte) {
	for i := 0; i < size; i++ {
		require.Equal(t, seed+byte(i), arena[int(handle)+i], "byte %d", i)
	}
}

func TestFirstFitResizeRelocates(t *testing.T) {
	buf := alignedBuffer(1024)
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(buf))

	a := allocate(t, m, 32)
	_ = allocate(t, m, 32)
	fill(buf, a, 32, 7)

	moved, err := m.Resize(a, 256)
	require.NoError(t, err)
	require.NotEqual(t, a, moved)
	requireFilled(t, buf, moved, 32, 7)

	size, err := m.AllocationSize(moved)
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, 256)

	// The original block was released
	_, err = m.AllocationSize(a)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))
	require.Equal(t, 2, m.AllocationCount())
	require.NoError(t, m.Validate())
}

func TestFirstFitResizeGrowsInPlace(t *testing.T) {
	buf := alignedBuffer(1024)
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(buf))

	a := allocate(t, m, 32)
	fill(buf, a, 32, 3)

	grown, err := m.Resize(a, 512)
	require.NoError(t, err)
	require.Equal(t, a, grown)
	requireFilled(t, buf, grown, 32, 3)
	require.Equal(t, 1, m.AllocationCount())
	require.NoError(t, m.Validate())
}

func TestFirstFitResizeNoCoalesceRelocates(t *testing.T) {
	buf := alignedBuffer(1024)
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceNone)
	require.NoError(t, m.Init(buf))

	a := allocate(t, m, 32)
	fill(buf, a, 32, 11)

	moved, err := m.Resize(a, 512)
	require.NoError(t, err)
	require.NotEqual(t, a, moved)
	requireFilled(t, buf, moved, 32, 11)
	require.NoError(t, m.Validate())
}

func TestFirstFitResizeShrinks(t *testing.T) {
	buf := alignedBuffer(1024)
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(buf))

	a := allocate(t, m, 256)
	_ = allocate(t, m, 32)
	fill(buf, a, 32, 5)
	freeBefore := m.SumFreeSize()

	shrunk, err := m.Resize(a, 32)
	require.NoError(t, err)
	require.Equal(t, a, shrunk)
	requireFilled(t, buf, shrunk, 32, 5)
	require.Equal(t, freeBefore+256-32, m.SumFreeSize())

	same, err := m.Resize(a, 30)
	require.NoError(t, err)
	require.Equal(t, a, same)
	require.NoError(t, m.Validate())
}

func TestFirstFitResizeFailureLeavesBlock(t *testing.T) {
	buf := alignedBuffer(memutils.HeaderSize + 2*blockSize(40) + 24)
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(buf))

	a := allocate(t, m, 40)
	_ = allocate(t, m, 40)
	fill(buf, a, 40, 9)

	handle, err := m.Resize(a, 64)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, a, handle)
	requireFilled(t, buf, a, 40, 9)

	size, err := m.AllocationSize(a)
	require.NoError(t, err)
	require.Equal(t, 40, size)

	_, err = m.Resize(a, 4096)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.NoError(t, m.Validate())
}

func TestFirstFitCorruptDirectory(t *testing.T) {
	buf := alignedBuffer(256)
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(buf))
	_ = allocate(t, m, 16)

	// Overwrite the first block header's size
	for i := 8; i < 12; i++ {
		buf[i] = 0xFF
	}

	require.True(t, errors.Is(m.Validate(), memutils.ErrCorruptDirectory))
}

func TestFirstFitDoubleFreeAfterMerge(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(alignedBuffer(512)))

	a := allocate(t, m, 24)
	b := allocate(t, m, 24)
	c := allocate(t, m, 24)

	require.NoError(t, m.Free(a))
	require.NoError(t, m.Free(b))
	require.Equal(t, 2, freeBlockCount(t, m))

	err := m.Free(b)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))
	require.NoError(t, m.Validate())
	require.Equal(t, 1, m.AllocationCount())

	// An aligned offset inside a live block is not a double free
	err = m.Free(c + 8)
	require.True(t, errors.Is(err, memutils.ErrForeignPointer))
	require.Equal(t, 1, m.AllocationCount())
}

func TestFirstFitShrinkKeepsSlack(t *testing.T) {
	buf := alignedBuffer(memutils.HeaderSize + blockSize(16) + 4)
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(buf))

	a := allocate(t, m, 16)
	require.Equal(t, 0, freeBlockCount(t, m))
	fill(buf, a, 16, 5)

	handle, err := m.Resize(a, 12)
	require.NoError(t, err)
	require.Equal(t, a, handle)
	requireFilled(t, buf, a, 12, 5)

	size, err := m.AllocationSize(a)
	require.NoError(t, err)
	require.Equal(t, 16, size)
	require.Equal(t, 0, freeBlockCount(t, m))
	require.NoError(t, m.Validate())
}

func TestFirstFitAttach(t *testing.T) {
	buf := alignedBuffer(512)
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(buf))
	a := allocate(t, m, 48)

	other := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, other.Attach(buf))
	require.Equal(t, 1, other.AllocationCount())
	require.NoError(t, other.Free(a))
	require.True(t, m.IsEmpty())

	m.Invalidate()
	err := other.Attach(buf)
	require.True(t, errors.Is(err, memutils.ErrNotInitialized))

	err = other.Attach(alignedBuffer(512))
	require.True(t, errors.Is(err, memutils.ErrNotInitialized))

	// A buffer shorter than the one that was initialized is rejected
	require.NoError(t, m.Init(buf))
	err = other.Attach(buf[:256])
	require.True(t, errors.Is(err, memutils.ErrNotInitialized))
}

func TestFirstFitClear(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(alignedBuffer(512)))

	_ = allocate(t, m, 48)
	_ = allocate(t, m, 48)

	var stats memutils.Statistics
	m.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      512,
		AllocationCount: 2,
		AllocationBytes: 2 * blockSize(48),
	}, stats)

	m.Clear()

	require.True(t, m.IsEmpty())
	require.Equal(t, 504, m.SumFreeSize())
	require.NoError(t, m.Validate())
}

func TestFirstFitCheckCorruptionClean(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(t, m.Init(alignedBuffer(512)))

	a := allocate(t, m, 48)
	_ = allocate(t, m, 16)
	_, err := m.Resize(a, 24)
	require.NoError(t, err)

	require.NoError(t, m.CheckCorruption())
}

func TestFirstFitBlockJsonData(t *testing.T) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnAlloc)
	require.NoError(t, m.Init(alignedBuffer(1024)))

	writer := jwriter.NewWriter()
	obj := writer.Object()
	m.BlockJsonData(&obj)
	obj.Name("Extra").Bool(true)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"TotalBytes": 1024,
		"UnusedBytes": 1016,
		"Allocations": 0,
		"UnusedRanges": 1,
		"LeadingPadding": 0,
		"CoalescePolicy": "CoalesceOnAlloc",
		"Extra": true
	}`, string(writer.Bytes()))
}

func BenchmarkFirstFitAllocFree(b *testing.B) {
	m := metadata.NewFirstFitBlockMetadata(metadata.CoalesceOnRelease)
	require.NoError(b, m.Init(alignedBuffer(1<<16)))

	handles := make([]metadata.BlockAllocationHandle, 0, 64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 64; j++ {
			success, req, err := m.CreateAllocationRequest(16 + j*8)
			if err != nil || !success {
				b.Fatal("allocation failed")
			}
			if err := m.Alloc(req); err != nil {
				b.Fatal(err)
			}
			handles = append(handles, req.BlockAllocationHandle)
		}

		for _, handle := range handles {
			if err := m.Free(handle); err != nil {
				b.Fatal(err)
			}
		}
		handles = handles[:0]
	}
}
