// SPDX-License-Identifier: Apache-2.0

// Package tlsf implements a Two-Level Segregated Fit allocator over a caller
// supplied memory region.
//
// Every block starts with a 16 byte header holding the offset of the previous
// physical block and the payload size with two flag bits. Free blocks keep
// their free-list links in the first 16 bytes of the payload. All links are
// offsets into the region, never Go pointers, so the region may live on the
// Go heap or in memory obtained from the operating system.
//
// An Arena is NOT safe for concurrent use.
package tlsf

import (
	"errors"
	"fmt"
	"math/bits"
	"unsafe"
)

const (
	alignLog2 = 3
	alignSize = 1 << alignLog2

	slLog2  = 5
	slCount = 1 << slLog2

	flShift    = slLog2 + alignLog2
	flMax      = 40
	flCount    = flMax - flShift + 1
	smallBlock = 1 << flShift

	headerSize = 16
	minPayload = 16
	minBlock   = headerSize + minPayload

	// MaxRegion is the largest region an Arena manages. Larger regions are
	// truncated.
	MaxRegion = 1 << flMax
)

const (
	flagFree     = 1
	flagPrevFree = 2
	flagMask     = alignSize - 1
)

const nilOffset = ^uint64(0)

var (
	// ErrRegionTooSmall is returned when a region cannot hold a single block.
	ErrRegionTooSmall = errors.New("tlsf: region too small")
	// ErrNilRegion is returned when Init is called with a nil base.
	ErrNilRegion = errors.New("tlsf: nil region")
	// ErrUnsupportedOffset is returned by AllocAligned for nonzero offsets.
	ErrUnsupportedOffset = errors.New("tlsf: alignment offset not supported")
	// ErrForeignPointer is the panic value for pointers the arena does not own.
	ErrForeignPointer = errors.New("tlsf: pointer not owned by arena")
	// ErrDoubleFree is the panic value for a block that is already free.
	ErrDoubleFree = errors.New("tlsf: block already free")
	// ErrCorrupted is returned by Check when the block chain is inconsistent.
	ErrCorrupted = errors.New("tlsf: heap corrupted")
)

type header struct {
	prevPhys uint64
	size     uint64
}

func (h *header) payload() uint64 { return h.size &^ flagMask }
func (h *header) free() bool      { return h.size&flagFree != 0 }
func (h *header) prevFree() bool  { return h.size&flagPrevFree != 0 }

type links struct {
	next uint64
	prev uint64
}

// Arena manages one contiguous region.
type Arena struct {
	base     unsafe.Pointer
	size     uint64
	used     uint64
	flBitmap uint64
	slBitmap [flCount]uint32
	heads    [flCount][slCount]uint64
}

// Init prepares the region [base, base+size) for allocation. The region must
// stay valid and untouched by anything else for as long as the Arena is used.
func Init(base unsafe.Pointer, size uint64) (*Arena, error) {
	if base == nil {
		return nil, ErrNilRegion
	}
	pad := uint64(alignUp(uintptr(base), alignSize) - uintptr(base))
	if size < pad {
		return nil, fmt.Errorf("%w: %d bytes", ErrRegionTooSmall, size)
	}
	size = (size - pad) &^ (alignSize - 1)
	if size > MaxRegion {
		size = MaxRegion
	}
	if size < minBlock+headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRegionTooSmall, size)
	}

	a := &Arena{base: unsafe.Add(base, pad), size: size}
	for fl := range a.heads {
		for sl := range a.heads[fl] {
			a.heads[fl][sl] = nilOffset
		}
	}

	first := a.hdr(0)
	first.prevPhys = nilOffset
	first.size = (size - 2*headerSize) | flagFree

	// zero sized, permanently used block terminating the physical chain
	sentinel := a.hdr(size - headerSize)
	sentinel.prevPhys = 0
	sentinel.size = flagPrevFree

	a.insert(0)
	return a, nil
}

// Alloc returns a block of at least size bytes whose address is a multiple of
// align, or nil when no free block is large enough. align must be a power of
// two; zero selects the natural 8 byte alignment.
func (a *Arena) Alloc(size, align uint64) unsafe.Pointer {
	if align == 0 {
		align = alignSize
	}
	if align&(align-1) != 0 {
		return nil
	}
	adjusted, ok := adjustSize(size)
	if !ok {
		return nil
	}
	if align <= alignSize {
		off := a.findFree(adjusted)
		if off == nilOffset {
			return nil
		}
		a.remove(off)
		return a.prepareUsed(off, adjusted)
	}

	request := adjusted + align + minBlock
	if request < adjusted {
		return nil
	}
	off := a.findFree(request)
	if off == nilOffset {
		return nil
	}
	a.remove(off)

	payload := uintptr(a.base) + uintptr(off) + headerSize
	aligned := alignUp(payload, uintptr(align))
	if gap := aligned - payload; gap != 0 && gap < minBlock {
		aligned = alignUp(payload+minBlock, uintptr(align))
	}
	if gap := uint64(aligned - payload); gap != 0 {
		off = a.splitLeading(off, gap)
	}
	return a.prepareUsed(off, adjusted)
}

// AllocAligned is Alloc with an explicit alignment offset. Only a zero offset
// is supported.
func (a *Arena) AllocAligned(size, align, offset uint64) (unsafe.Pointer, error) {
	if offset != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedOffset, offset)
	}
	return a.Alloc(size, align), nil
}

// Free returns a block to the arena. It panics for pointers the arena did
// not hand out and for blocks that are already free.
func (a *Arena) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	off := a.offsetOf(ptr)
	h := a.hdr(off)
	if h.free() {
		panic(fmt.Errorf("%w: %p", ErrDoubleFree, ptr))
	}
	a.used -= h.payload()
	h.size |= flagFree
	a.hdr(a.next(off)).size |= flagPrevFree

	if h.prevFree() {
		prev := h.prevPhys
		a.remove(prev)
		a.absorb(prev, off)
		off = prev
	}
	if next := a.next(off); a.hdr(next).free() {
		a.remove(next)
		a.absorb(off, next)
	}
	a.insert(off)
}

// SizeOf returns the usable size of an allocated block.
func (a *Arena) SizeOf(ptr unsafe.Pointer) uint64 {
	h := a.hdr(a.offsetOf(ptr))
	if h.free() {
		panic(fmt.Errorf("%w: %p", ErrDoubleFree, ptr))
	}
	return h.payload()
}

// Used returns the payload bytes currently handed out.
func (a *Arena) Used() uint64 { return a.used }

// Capacity returns the number of bytes managed, including block headers.
func (a *Arena) Capacity() uint64 { return a.size }

// Check walks the physical block chain and the free lists and reports the
// first inconsistency found.
func (a *Arena) Check() error {
	var (
		off      uint64
		prev     = nilOffset
		prevFree bool
		used     uint64
		free     int
	)
	for {
		h := a.hdr(off)
		if h.prevPhys != prev && prev != nilOffset {
			return fmt.Errorf("%w: block %d links to %d, want %d", ErrCorrupted, off, h.prevPhys, prev)
		}
		if h.prevFree() != prevFree {
			return fmt.Errorf("%w: block %d prev-free flag mismatch", ErrCorrupted, off)
		}
		if off == a.size-headerSize {
			if h.payload() != 0 || h.free() {
				return fmt.Errorf("%w: sentinel damaged", ErrCorrupted)
			}
			break
		}
		if h.free() {
			if prevFree {
				return fmt.Errorf("%w: adjacent free blocks at %d", ErrCorrupted, off)
			}
			free++
		} else {
			used += h.payload()
		}
		prev, prevFree = off, h.free()
		off = a.next(off)
		if off > a.size-headerSize {
			return fmt.Errorf("%w: block chain overruns region", ErrCorrupted)
		}
	}
	if used != a.used {
		return fmt.Errorf("%w: used %d, accounted %d", ErrCorrupted, used, a.used)
	}

	listed := 0
	for fl := 0; fl < flCount; fl++ {
		for sl := 0; sl < slCount; sl++ {
			for off := a.heads[fl][sl]; off != nilOffset; off = a.links(off).next {
				if !a.hdr(off).free() {
					return fmt.Errorf("%w: used block %d on free list", ErrCorrupted, off)
				}
				if f, s := mapping(a.hdr(off).payload()); f != fl || s != sl {
					return fmt.Errorf("%w: block %d on wrong free list", ErrCorrupted, off)
				}
				listed++
			}
		}
	}
	if listed != free {
		return fmt.Errorf("%w: %d free blocks, %d listed", ErrCorrupted, free, listed)
	}
	return nil
}

func (a *Arena) hdr(off uint64) *header {
	return (*header)(unsafe.Add(a.base, off))
}

func (a *Arena) links(off uint64) *links {
	return (*links)(unsafe.Add(a.base, off+headerSize))
}

func (a *Arena) next(off uint64) uint64 {
	return off + headerSize + a.hdr(off).payload()
}

func (a *Arena) offsetOf(ptr unsafe.Pointer) uint64 {
	p, b := uintptr(ptr), uintptr(a.base)
	if p < b+headerSize || p >= b+uintptr(a.size) || (p-b)%alignSize != 0 {
		panic(fmt.Errorf("%w: %p", ErrForeignPointer, ptr))
	}
	return uint64(p-b) - headerSize
}

// prepareUsed trims a detached free block to size and marks it used.
func (a *Arena) prepareUsed(off, size uint64) unsafe.Pointer {
	h := a.hdr(off)
	if rest := h.payload() - size; rest >= minBlock {
		tail := off + headerSize + size
		t := a.hdr(tail)
		t.prevPhys = off
		t.size = (rest - headerSize) | flagFree
		a.hdr(a.next(tail)).prevPhys = tail
		h.size = size | (h.size & flagMask)
		a.insert(tail)
	}
	h.size &^= flagFree
	a.hdr(a.next(off)).size &^= flagPrevFree
	a.used += h.payload()
	return unsafe.Add(a.base, off+headerSize)
}

// splitLeading cuts gap bytes off the front of a detached free block, puts
// the front back on the free lists and returns the offset of the remainder.
func (a *Arena) splitLeading(off, gap uint64) uint64 {
	lead := a.hdr(off)
	total := lead.payload()
	lead.size = (gap - headerSize) | (lead.size & flagMask)

	rest := off + gap
	r := a.hdr(rest)
	r.prevPhys = off
	r.size = (total - gap) | flagFree | flagPrevFree
	a.hdr(a.next(rest)).prevPhys = rest

	a.insert(off)
	return rest
}

// absorb merges the physically following block src into dst.
func (a *Arena) absorb(dst, src uint64) {
	a.hdr(dst).size += headerSize + a.hdr(src).payload()
	a.hdr(a.next(dst)).prevPhys = dst
}

func (a *Arena) insert(off uint64) {
	fl, sl := mapping(a.hdr(off).payload())
	head := a.heads[fl][sl]
	l := a.links(off)
	l.next, l.prev = head, nilOffset
	if head != nilOffset {
		a.links(head).prev = off
	}
	a.heads[fl][sl] = off
	a.flBitmap |= 1 << fl
	a.slBitmap[fl] |= 1 << sl
}

func (a *Arena) remove(off uint64) {
	fl, sl := mapping(a.hdr(off).payload())
	l := a.links(off)
	if l.prev != nilOffset {
		a.links(l.prev).next = l.next
	} else {
		a.heads[fl][sl] = l.next
	}
	if l.next != nilOffset {
		a.links(l.next).prev = l.prev
	}
	if a.heads[fl][sl] == nilOffset {
		a.slBitmap[fl] &^= 1 << sl
		if a.slBitmap[fl] == 0 {
			a.flBitmap &^= 1 << fl
		}
	}
}

func (a *Arena) findFree(size uint64) uint64 {
	if off := a.firstInClassAbove(roundUpClass(size)); off != nilOffset {
		return off
	}
	// rounding can skip past a block that fits exactly, such as the whole
	// region of an empty arena; fall back to scanning the request's own class
	fl, sl := mapping(size)
	if fl >= flCount {
		return nilOffset
	}
	for off := a.heads[fl][sl]; off != nilOffset; off = a.links(off).next {
		if a.hdr(off).payload() >= size {
			return off
		}
	}
	return nilOffset
}

// firstInClassAbove returns the head of the first non-empty class at or above
// the class of size.
func (a *Arena) firstInClassAbove(size uint64) uint64 {
	fl, sl := mapping(size)
	if fl >= flCount {
		return nilOffset
	}
	slMap := a.slBitmap[fl] & (^uint32(0) << sl)
	if slMap == 0 {
		flMap := a.flBitmap & (^uint64(0) << (fl + 1))
		if flMap == 0 {
			return nilOffset
		}
		fl = bits.TrailingZeros64(flMap)
		slMap = a.slBitmap[fl]
	}
	return a.heads[fl][bits.TrailingZeros32(slMap)]
}

// mapping returns the first and second level index of the class holding
// blocks of the given payload size.
func mapping(size uint64) (fl, sl int) {
	if size < smallBlock {
		return 0, int(size / (smallBlock / slCount))
	}
	f := bits.Len64(size) - 1
	sl = int((size >> (f - slLog2)) ^ (1 << slLog2))
	return f - (flShift - 1), sl
}

// roundUpClass rounds size to the next class boundary so that every block of
// the class found by mapping is large enough.
func roundUpClass(size uint64) uint64 {
	if size >= smallBlock {
		size += (1 << (bits.Len64(size) - 1 - slLog2)) - 1
	}
	return size
}

func adjustSize(size uint64) (uint64, bool) {
	if size > MaxRegion {
		return 0, false
	}
	size = (size + alignSize - 1) &^ (alignSize - 1)
	if size < minPayload {
		size = minPayload
	}
	return size, true
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
