package heap

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/fixedheap/internal/utils"
	"github.com/vkngwrapper/fixedheap/memutils"
	"github.com/vkngwrapper/fixedheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Heap hands out blocks of a single caller-supplied buffer. All of its bookkeeping lives inside that
// buffer; the Heap only holds the buffer, the lock that serializes access to it, and the names
// attached to live allocations.
//
// Every method is safe for concurrent use unless the heap was created with
// HeapCreateExternallySynchronized.
type Heap struct {
	logger   *slog.Logger
	mutex    utils.OptionalLocker
	metadata *metadata.FirstFitBlockMetadata

	arena     []byte
	base      uintptr
	names     *swiss.Map[metadata.BlockAllocationHandle, string]
	destroyed bool
}

func newHeap(buf []byte, options CreateOptions) *Heap {
	return &Heap{
		logger:   options.logger(),
		mutex:    utils.NewOptionalLocker(options.Locker, options.Flags&HeapCreateExternallySynchronized == 0),
		metadata: metadata.NewFirstFitBlockMetadata(options.CoalescePolicy),
		arena:    buf,
		base:     uintptr(unsafe.Pointer(unsafe.SliceData(buf))),
		names:    swiss.NewMap[metadata.BlockAllocationHandle, string](16),
	}
}

// New lays out a fresh heap across buf, discarding its previous contents. buf may have any
// alignment; up to 7 leading bytes are skipped so that every header and payload is 8-byte aligned.
// New fails with memutils.ErrArenaTooSmall if buf is shorter than memutils.MinArenaSize, in which
// case buf is not written.
//
// The caller must not read or write buf other than through pointers returned by the heap until the
// heap is destroyed.
func New(buf []byte, options CreateOptions) (*Heap, error) {
	h := newHeap(buf, options)

	err := h.metadata.Init(buf)
	if err != nil {
		return nil, err
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "Heap::New",
		slog.Int("Size", len(buf)),
		slog.Int("LeadingPadding", h.metadata.LeadingPadding()),
		slog.String("CoalescePolicy", options.CoalescePolicy.String()),
		slog.String("Flags", options.Flags.String()),
	)

	return h, nil
}

// Attach returns a heap for a buffer that New already initialized, keeping every live allocation.
// It fails with memutils.ErrNotInitialized if buf does not hold an intact heap of exactly len(buf)
// bytes. Heaps attached to the same buffer must share a Locker.
func Attach(buf []byte, options CreateOptions) (*Heap, error) {
	h := newHeap(buf, options)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.metadata.Attach(buf)
	if err != nil {
		return nil, err
	}

	return h, nil
}

// handle converts a pointer returned by the heap to the offset of its payload within the arena
func (h *Heap) handle(ptr unsafe.Pointer) (metadata.BlockAllocationHandle, error) {
	address := uintptr(ptr)
	if address < h.base || address >= h.base+uintptr(len(h.arena)) {
		return metadata.NoAllocation, cerrors.Wrapf(memutils.ErrForeignPointer, "pointer %#x lies outside the heap", address)
	}

	return metadata.BlockAllocationHandle(address - h.base), nil
}

func (h *Heap) pointer(handle metadata.BlockAllocationHandle) unsafe.Pointer {
	return unsafe.Pointer(&h.arena[int(handle)])
}

func (h *Heap) checkLive() error {
	if h.destroyed {
		return memutils.ErrHeapDestroyed
	}

	return nil
}

// Size returns the length of the buffer the heap manages
func (h *Heap) Size() int {
	return len(h.arena)
}

// Alloc reserves at least size bytes and returns a pointer to them. The pointer is 8-byte aligned and
// the bytes it addresses are not zeroed. A request for zero bytes still returns a distinct pointer.
// Alloc fails with memutils.ErrOutOfMemory when no free block is large enough, leaving the heap
// unchanged.
func (h *Heap) Alloc(size int) (unsafe.Pointer, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return nil, err
	}

	success, request, err := h.metadata.CreateAllocationRequest(size)
	if err != nil {
		return nil, err
	}

	if !success {
		if h.logger.Enabled(context.Background(), slog.LevelDebug) {
			h.logger.LogAttrs(context.Background(), slog.LevelDebug, "Heap::Alloc failed",
				slog.Int("Size", size),
				slog.Int("SumFreeSize", h.metadata.SumFreeSize()),
				slog.Int("FreeRegionsCount", h.metadata.FreeRegionsCount()),
			)
		}
		return nil, cerrors.Wrapf(memutils.ErrOutOfMemory, "no free block can hold %d bytes", size)
	}

	err = h.metadata.Alloc(request)
	if err != nil {
		return nil, err
	}

	memutils.DebugValidate(h.metadata)
	return h.pointer(request.BlockAllocationHandle), nil
}

// Release returns the block addressed by ptr to the heap. Releasing nil does nothing. Releasing a
// pointer that was not returned by this heap fails with memutils.ErrForeignPointer, and releasing
// one that addresses free memory, such as a pointer that was already released, fails with
// memutils.ErrDoubleFree; the heap is unchanged in both cases.
func (h *Heap) Release(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return err
	}

	handle, err := h.handle(ptr)
	if err != nil {
		return err
	}

	err = h.metadata.Free(handle)
	if err != nil {
		return err
	}

	h.names.Delete(handle)
	memutils.DebugValidate(h.metadata)
	return nil
}

// Resize changes the size of the block addressed by ptr to at least size bytes and returns the
// block's pointer afterward. Resizing nil behaves like Alloc.
//
// The block is shrunk or grown in place when possible. Otherwise it is moved to a new block, the
// first min(old, new) bytes are copied over, and the old block is released; the old pointer must not
// be used after that. If no block is large enough, Resize returns nil and memutils.ErrOutOfMemory, and
// the original block and its contents are left untouched.
func (h *Heap) Resize(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.Alloc(size)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return nil, err
	}

	handle, err := h.handle(ptr)
	if err != nil {
		return nil, err
	}

	newHandle, err := h.metadata.Resize(handle, size)
	if err != nil {
		if cerrors.Is(err, memutils.ErrOutOfMemory) {
			h.logger.LogAttrs(context.Background(), slog.LevelDebug, "Heap::Resize failed",
				slog.Int("Offset", int(handle)),
				slog.Int("Size", size),
			)
		}
		return nil, err
	}

	if newHandle != handle {
		h.logger.LogAttrs(context.Background(), slog.LevelDebug, "Heap::Resize relocated",
			slog.Int("OldOffset", int(handle)),
			slog.Int("NewOffset", int(newHandle)),
			slog.Int("Size", size),
		)

		name, ok := h.names.Get(handle)
		if ok {
			h.names.Delete(handle)
			h.names.Put(newHandle, name)
		}
	}

	memutils.DebugValidate(h.metadata)
	return h.pointer(newHandle), nil
}

// Bytes returns a slice of size bytes starting at ptr. The slice is only meaningful while the block
// containing it is live, and must not extend past that block's usable size. Bytes panics if ptr lies
// outside the heap.
func (h *Heap) Bytes(ptr unsafe.Pointer, size int) []byte {
	handle, err := h.handle(ptr)
	if err != nil {
		panic(err)
	}

	start := int(handle)
	return h.arena[start : start+size : start+size]
}

// UsableSize returns the number of bytes that may be used through ptr, which is at least the size
// most recently requested for it
func (h *Heap) UsableSize(ptr unsafe.Pointer) (int, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return 0, err
	}

	handle, err := h.handle(ptr)
	if err != nil {
		return 0, err
	}

	return h.metadata.AllocationSize(handle)
}

// AllocationCount returns the number of live allocations
func (h *Heap) AllocationCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.destroyed {
		return 0
	}

	return h.metadata.AllocationCount()
}

// Reset releases every allocation at once. Pointers returned before Reset must not be used after it.
func (h *Heap) Reset() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return err
	}

	h.metadata.Clear()
	h.names = swiss.NewMap[metadata.BlockAllocationHandle, string](16)
	return nil
}

// Destroy ends the heap's use of its buffer. If any allocation is still live, each is logged at error
// level and Destroy fails with memutils.ErrAllocationsOutstanding, leaving the heap usable. Otherwise
// the buffer is marked uninitialized, so it can no longer be attached, and every later call on this
// heap fails with memutils.ErrHeapDestroyed.
func (h *Heap) Destroy() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return err
	}

	if !h.metadata.IsEmpty() {
		err = h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, free bool) error {
			if free {
				return nil
			}

			h.logUnreleasedMemory(handle, size)
			return nil
		})
		if err != nil {
			h.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return cerrors.Wrapf(memutils.ErrAllocationsOutstanding, "%d allocations are still live", h.metadata.AllocationCount())
	}

	h.metadata.Invalidate()
	h.names = swiss.NewMap[metadata.BlockAllocationHandle, string](16)
	h.destroyed = true
	return nil
}

func (h *Heap) logUnreleasedMemory(handle metadata.BlockAllocationHandle, size int) {
	name, ok := h.names.Get(handle)
	if !ok || name == "" {
		name = "empty"
	}

	h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", int(handle)),
		slog.Int("size", size),
		slog.String("name", name),
	)
}
