// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
)

const (
	// MaxStackFrames is the number of return addresses kept per allocation.
	MaxStackFrames = 63

	// SymbolScratchSize is the scratch buffer reserved from the parent for
	// rendering symbols in leak reports.
	SymbolScratchSize = 4096
)

// trackedRecord is appended to every allocation made through a
// TrackingAllocator. prev and next link live records into one list.
type trackedRecord struct {
	self      uintptr
	requested uint64
	prev      *trackedRecord
	next      *trackedRecord
	stack     [MaxStackFrames + 1]uintptr // zero terminated
}

const (
	recordSize  = uint64(unsafe.Sizeof(trackedRecord{}))
	recordAlign = uint64(unsafe.Alignof(trackedRecord{}))
)

// TrackingAllocator wraps a parent allocator and records the call stack of
// every live allocation in a trailer behind the payload. Close reports every
// allocation that was never returned.
//
// The parent must accept arbitrary sizes with the requested alignment;
// trailers make sizes that are not multiples of any page size. Live-list
// updates take the allocator's own lock, so it is safe for concurrent use.
type TrackingAllocator struct {
	usage
	name   string
	parent Allocator
	logger *slog.Logger
	depth  int

	mtx     sync.Mutex
	head    *trackedRecord
	tail    *trackedRecord
	live    int
	scratch unsafe.Pointer
	closed  atomic.Bool
}

// TrackingOption represents a configuration option for a tracking allocator.
type TrackingOption func(*TrackingAllocator)

// WithStackDepth limits the captured frames per allocation. Values are
// clamped to [0, MaxStackFrames].
func WithStackDepth(frames int) TrackingOption {
	return func(t *TrackingAllocator) {
		t.depth = min(max(frames, 0), MaxStackFrames)
	}
}

// WithTrackingLogger sets the logger leak reports are written to.
func WithTrackingLogger(l *slog.Logger) TrackingOption {
	return func(t *TrackingAllocator) {
		t.logger = l
	}
}

// NewTrackingAllocator wraps parent. It reserves SymbolScratchSize bytes from
// parent up front, released on Close.
func NewTrackingAllocator(name string, parent Allocator, opts ...TrackingOption) (*TrackingAllocator, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: %q: nil parent: %w", ErrAllocatorCreate, name, ErrInvalidArgument)
	}
	t := &TrackingAllocator{
		name:   name,
		parent: parent,
		depth:  MaxStackFrames,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = loggerOr(t.logger)

	t.scratch = parent.Allocate(SymbolScratchSize, DefaultAlignment)
	if t.scratch == nil {
		return nil, fmt.Errorf("%w: %q: symbol scratch buffer: %w", ErrAllocatorCreate, name, ErrOutOfMemory)
	}
	return t, nil
}

// Name satisfies the Allocator interface.
func (t *TrackingAllocator) Name() string { return t.name }

// Parent returns the wrapped allocator.
func (t *TrackingAllocator) Parent() Allocator { return t.parent }

// Allocate satisfies the Allocator interface.
func (t *TrackingAllocator) Allocate(size, alignment uint64) unsafe.Pointer {
	if t.closed.Load() {
		violation(t.name, "Allocate", "allocator is closed")
	}
	// the trailer needs its own alignment whatever the caller asked for
	alignment = max(alignment, recordAlign)
	payload := alignUp(size, recordAlign)
	if payload < size || payload > math.MaxUint64-recordSize {
		return nil
	}
	ptr := t.parent.Allocate(payload+recordSize, alignment)
	if ptr == nil {
		return nil
	}
	actual := t.parent.GetSize(ptr)
	rec := t.recordOf(ptr, actual, "Allocate")
	if recordOffset(actual) < size {
		violation(t.name, "Allocate", "record at offset %d overlaps %d byte payload", recordOffset(actual), size)
	}

	rec.self = uintptr(ptr)
	rec.requested = size
	rec.stack[captureStack(1, rec.stack[:t.depth])] = 0

	t.mtx.Lock()
	t.link(rec)
	t.mtx.Unlock()

	t.reportAllocation(actual)
	return ptr
}

// Deallocate satisfies the Allocator interface.
func (t *TrackingAllocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if t.closed.Load() {
		violation(t.name, "Deallocate", "allocator is closed")
	}
	actual := t.parent.GetSize(ptr)
	rec := t.recordOf(ptr, actual, "Deallocate")
	if rec.self != uintptr(ptr) {
		violation(t.name, "Deallocate", "record back-pointer %#x does not match %p", rec.self, ptr)
	}

	t.mtx.Lock()
	t.unlink(rec)
	t.mtx.Unlock()
	rec.self = 0

	t.reportDeallocation(actual)
	t.parent.Deallocate(ptr)
}

// GetSize returns the bytes usable in front of the tracking record.
func (t *TrackingAllocator) GetSize(ptr unsafe.Pointer) uint64 {
	return recordOffset(t.parent.GetSize(ptr))
}

// Live returns the number of allocations on the live list.
func (t *TrackingAllocator) Live() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.live
}

// Leaks returns the live allocations in allocation order.
func (t *TrackingAllocator) Leaks() []Leak {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.leaksLocked()
}

// Close reports every allocation still on the live list, with its
// symbolized call stack, and releases the scratch buffer. Leaked blocks stay
// allocated in the parent. A *LeakError is returned when anything leaked.
func (t *TrackingAllocator) Close() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.scratch == nil {
		return ErrClosed
	}
	t.closed.Store(true)

	var err error
	if leaks := t.leaksLocked(); len(leaks) > 0 {
		t.dumpLeaks(leaks)
		s := t.Stats()
		err = &LeakError{Allocator: t.name, Allocations: s.Allocations, Bytes: s.Bytes, Leaks: leaks}
	} else {
		err = t.checkLeaks(t.name, t.logger)
	}

	t.parent.Deallocate(t.scratch)
	t.scratch = nil
	return err
}

func (t *TrackingAllocator) dumpLeaks(leaks []Leak) {
	scratch := unsafe.Slice((*byte)(t.scratch), SymbolScratchSize)
	var total uint64
	for _, l := range leaks {
		total += l.Size
	}
	t.logger.Warn("leaked allocations",
		"allocator", t.name,
		"allocs", len(leaks),
		"bytes", total,
		"size", humanize.IBytes(total),
	)
	for _, l := range leaks {
		frames := make([]string, 0, len(l.Stack))
		for _, pc := range l.Stack {
			frames = append(frames, symbolize(pc, scratch))
		}
		t.logger.Warn("leaked allocation",
			"allocator", t.name,
			"ptr", fmt.Sprintf("%#x", l.Ptr),
			"bytes", l.Size,
			"size", humanize.IBytes(l.Size),
			"stack", frames,
		)
	}
}

func (t *TrackingAllocator) leaksLocked() []Leak {
	leaks := make([]Leak, 0, t.live)
	for rec := t.head; rec != nil; rec = rec.next {
		l := Leak{Ptr: rec.self, Size: rec.requested}
		for _, pc := range rec.stack {
			if pc == 0 {
				break
			}
			l.Stack = append(l.Stack, pc)
		}
		leaks = append(leaks, l)
	}
	return leaks
}

// link appends rec to the live list. Callers hold t.mtx.
func (t *TrackingAllocator) link(rec *trackedRecord) {
	rec.prev, rec.next = t.tail, nil
	if t.tail != nil {
		t.tail.next = rec
	} else {
		t.head = rec
	}
	t.tail = rec
	t.live++
}

// unlink removes rec from the live list. Callers hold t.mtx.
func (t *TrackingAllocator) unlink(rec *trackedRecord) {
	if rec.prev != nil {
		rec.prev.next = rec.next
	} else {
		if t.head != rec {
			violation(t.name, "Deallocate", "record %p is not on the live list", rec)
		}
		t.head = rec.next
	}
	if rec.next != nil {
		rec.next.prev = rec.prev
	} else {
		t.tail = rec.prev
	}
	rec.prev, rec.next = nil, nil
	t.live--
}

// recordOf locates the tracking record at the tail of a parent block of
// parentSize bytes. This is the only place that derives a record address from
// a user pointer.
func (t *TrackingAllocator) recordOf(ptr unsafe.Pointer, parentSize uint64, op string) *trackedRecord {
	if parentSize < recordSize {
		violation(t.name, op, "parent block of %d bytes at %p cannot hold a tracking record", parentSize, ptr)
	}
	return (*trackedRecord)(unsafe.Add(ptr, recordOffset(parentSize)))
}

func recordOffset(parentSize uint64) uint64 {
	if parentSize < recordSize {
		return 0
	}
	return alignDown(parentSize-recordSize, recordAlign)
}
