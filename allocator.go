// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"log/slog"
	"sync/atomic"
	"unsafe"
)

// DefaultAlignment is used when an allocation asks for alignment zero.
const DefaultAlignment = 8

// Allocator is the contract implemented by every allocator in this package.
//
// Allocators are compared by identity and must not be copied after first use:
// a copy would duplicate the usage counters and any resources the allocator
// owns.
type Allocator interface {
	// Name returns the diagnostic name of the allocator. Names need not be unique.
	Name() string

	// Allocate returns at least size bytes aligned to alignment, or nil when
	// the allocator is exhausted. Exhaustion is recoverable by the caller.
	Allocate(size, alignment uint64) unsafe.Pointer

	// Deallocate returns memory obtained from Allocate. A nil pointer is ignored.
	Deallocate(ptr unsafe.Pointer)

	// GetSize returns the usable size of an allocation, which is never less
	// than the size requested.
	GetSize(ptr unsafe.Pointer) uint64

	// Stats returns the live allocation count and byte total.
	Stats() Stats
}

// Stats holds the live usage of an allocator.
type Stats struct {
	Allocations int64
	Bytes       int64
}

// usage carries the atomic counters shared by all allocator variants.
type usage struct {
	allocations atomic.Int64
	bytes       atomic.Int64
}

func (u *usage) reportAllocation(size uint64) {
	u.allocations.Add(1)
	u.bytes.Add(int64(size))
}

func (u *usage) reportDeallocation(size uint64) {
	u.allocations.Add(-1)
	u.bytes.Add(-int64(size))
}

// Stats satisfies the Allocator interface.
func (u *usage) Stats() Stats {
	return Stats{
		Allocations: u.allocations.Load(),
		Bytes:       u.bytes.Load(),
	}
}

// checkLeaks reports nonzero counters at teardown. The leak is logged and
// returned, teardown itself carries on.
func (u *usage) checkLeaks(name string, logger *slog.Logger) error {
	s := u.Stats()
	if s.Allocations == 0 && s.Bytes == 0 {
		return nil
	}
	logger.Warn("allocator torn down with live allocations",
		"allocator", name,
		"allocs", s.Allocations,
		"bytes", s.Bytes,
	)
	return &LeakError{Allocator: name, Allocations: s.Allocations, Bytes: s.Bytes}
}

// Destroyer is implemented by types that need to release resources before
// their storage is returned by Delete.
type Destroyer interface {
	Destroy()
}

// New allocates zeroed storage for a value of type T from a.
// If a is nil, it falls back to Go's built-in new function. It returns nil
// when a is exhausted.
//
// T must not contain Go pointers unless a hands out Go heap memory: the
// garbage collector does not scan memory obtained from the operating system.
func New[T any](a Allocator) *T {
	if a == nil {
		return new(T)
	}
	var x T
	ptr := a.Allocate(uint64(unsafe.Sizeof(x)), uint64(unsafe.Alignof(x)))
	if ptr == nil {
		return nil
	}
	clear(unsafe.Slice((*byte)(ptr), unsafe.Sizeof(x)))
	return (*T)(ptr)
}

// NewFunc is New followed by init on the zeroed value.
func NewFunc[T any](a Allocator, init func(*T)) *T {
	p := New[T](a)
	if p != nil && init != nil {
		init(p)
	}
	return p
}

// Delete finalizes p, calling Destroy when *T implements Destroyer, and
// returns its storage to a. p must come from New or NewFunc with the same a.
func Delete[T any](a Allocator, p *T) {
	if p == nil {
		return
	}
	if d, ok := any(p).(Destroyer); ok {
		d.Destroy()
	}
	if a == nil {
		return
	}
	a.Deallocate(unsafe.Pointer(p))
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
