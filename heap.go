// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/wundergraph/go-alloc/internal/tlsf"
)

// DefaultHeapSize is the region size a page-sourced HeapAllocator reserves
// when WithHeapSize is not given.
const DefaultHeapSize = 16 << 20

// HeapAllocator runs a two-level segregated fit arena over one fixed region.
// Every operation holds a single mutex, so the allocator is safe for
// concurrent use and fully serialized.
type HeapAllocator struct {
	usage
	name   string
	mtx    sync.Mutex
	arena  *tlsf.Arena
	logger *slog.Logger

	// buffer keeps a caller supplied region reachable.
	buffer []byte

	// region is set when the memory came from pages.
	pages      *PageAllocator
	region     unsafe.Pointer
	regionSize uint64
}

// HeapOption represents a configuration option for a heap allocator.
type HeapOption func(*HeapAllocator)

// WithHeapSize sets the region size requested from a PageAllocator. It is
// rounded up to the page size. Ignored for caller supplied buffers.
func WithHeapSize(size uint64) HeapOption {
	return func(h *HeapAllocator) {
		h.regionSize = size
	}
}

// WithHeapLogger sets the logger for leak reports.
func WithHeapLogger(l *slog.Logger) HeapOption {
	return func(h *HeapAllocator) {
		h.logger = l
	}
}

// NewHeapAllocator creates a heap allocator over buffer. The buffer must not
// be used by anything else until the allocator is closed.
func NewHeapAllocator(name string, buffer []byte, opts ...HeapOption) (*HeapAllocator, error) {
	h := newHeap(name, opts)
	if len(buffer) == 0 {
		return nil, fmt.Errorf("%w: %q: empty buffer: %w", ErrAllocatorCreate, name, ErrInvalidArgument)
	}
	a, err := tlsf.Init(unsafe.Pointer(unsafe.SliceData(buffer)), uint64(len(buffer)))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrAllocatorCreate, name, err)
	}
	h.arena = a
	h.buffer = buffer
	h.regionSize = uint64(len(buffer))
	return h, nil
}

// NewHeapAllocatorFromPages creates a heap allocator over one contiguous
// region taken from pages. The region is returned to pages on Close.
func NewHeapAllocatorFromPages(name string, pages *PageAllocator, opts ...HeapOption) (*HeapAllocator, error) {
	if pages == nil {
		return nil, fmt.Errorf("%w: %q: nil page allocator: %w", ErrAllocatorCreate, name, ErrInvalidArgument)
	}
	h := newHeap(name, opts)
	if h.regionSize == 0 {
		h.regionSize = DefaultHeapSize
	}
	size := alignUp(h.regionSize, pages.PageSize())

	region := pages.Allocate(size, pages.PageSize())
	if region == nil {
		return nil, fmt.Errorf("%w: %q: reserving %d bytes: %w", ErrAllocatorCreate, name, size, ErrOutOfMemory)
	}
	a, err := tlsf.Init(region, size)
	if err != nil {
		pages.Deallocate(region)
		return nil, fmt.Errorf("%w: %q: %w", ErrAllocatorCreate, name, err)
	}
	h.arena = a
	h.pages = pages
	h.region = region
	h.regionSize = size
	return h, nil
}

func newHeap(name string, opts []HeapOption) *HeapAllocator {
	h := &HeapAllocator{name: name}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = loggerOr(h.logger)
	return h
}

// Name satisfies the Allocator interface.
func (h *HeapAllocator) Name() string { return h.name }

// Allocate satisfies the Allocator interface.
func (h *HeapAllocator) Allocate(size, alignment uint64) unsafe.Pointer {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.allocateLocked("Allocate", size, alignment)
}

// AllocateAligned is Allocate with an explicit alignment offset. Only a zero
// offset is supported; anything else returns ErrUnsupportedAlignOffset.
// Exhaustion returns ErrOutOfMemory.
func (h *HeapAllocator) AllocateAligned(size, alignment, offset uint64) (unsafe.Pointer, error) {
	if offset != 0 {
		return nil, fmt.Errorf("%w: %q: offset %d", ErrUnsupportedAlignOffset, h.name, offset)
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	ptr := h.allocateLocked("AllocateAligned", size, alignment)
	if ptr == nil {
		return nil, fmt.Errorf("%w: %q: %d bytes", ErrOutOfMemory, h.name, size)
	}
	return ptr, nil
}

func (h *HeapAllocator) allocateLocked(op string, size, alignment uint64) unsafe.Pointer {
	if h.arena == nil {
		violation(h.name, op, "allocator is closed")
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if !isPowerOfTwo(alignment) {
		violation(h.name, op, "alignment %d is not a power of two", alignment)
	}
	ptr := h.arena.Alloc(size, alignment)
	if ptr == nil {
		return nil
	}
	h.reportAllocation(h.arena.SizeOf(ptr))
	return ptr
}

// Deallocate satisfies the Allocator interface.
func (h *HeapAllocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	defer h.rethrow("Deallocate")
	if h.arena == nil {
		violation(h.name, "Deallocate", "allocator is closed")
	}
	size := h.arena.SizeOf(ptr)
	h.arena.Free(ptr)
	h.reportDeallocation(size)
}

// GetSize satisfies the Allocator interface.
func (h *HeapAllocator) GetSize(ptr unsafe.Pointer) uint64 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	defer h.rethrow("GetSize")
	if h.arena == nil {
		violation(h.name, "GetSize", "allocator is closed")
	}
	return h.arena.SizeOf(ptr)
}

// rethrow turns arena ownership failures into a *ContractError.
func (h *HeapAllocator) rethrow(op string) {
	r := recover()
	if r == nil {
		return
	}
	if err, ok := r.(error); ok && (errors.Is(err, tlsf.ErrForeignPointer) || errors.Is(err, tlsf.ErrDoubleFree)) {
		violation(h.name, op, "%v", err)
	}
	panic(r)
}

// Capacity returns the size of the managed region.
func (h *HeapAllocator) Capacity() uint64 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.regionSize
}

// Check validates the arena's internal structure.
func (h *HeapAllocator) Check() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.arena == nil {
		return ErrClosed
	}
	return h.arena.Check()
}

// Close reports live allocations and returns a page-sourced region to its
// page allocator. The allocator must not be used afterwards.
func (h *HeapAllocator) Close() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.arena == nil {
		return ErrClosed
	}
	err := h.checkLeaks(h.name, h.logger)
	h.arena = nil
	h.buffer = nil
	if h.pages != nil {
		h.pages.Deallocate(h.region)
		h.region = nil
	}
	return err
}
