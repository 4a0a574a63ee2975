// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"log/slog"
	"math"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"github.com/wundergraph/go-alloc/internal/osmem"
)

// pageMagic marks the header page of every PageAllocator block.
const pageMagic uint64 = 0x50414745484452 // "PAGEHDR"

type pageHeader struct {
	magic uint64
	size  uint64
}

// PageAllocator hands out whole pages reserved directly from the operating
// system. Each block is preceded by one header page, so a request for n pages
// reserves n+1.
//
// Allocate requires the alignment to equal PageSize and the size to be a
// nonzero multiple of it. PageAllocator is safe for concurrent use.
type PageAllocator struct {
	usage
	name     string
	pageSize uint64
	budget   *semaphore.Weighted
	logger   *slog.Logger
}

// PageOption represents a configuration option for a page allocator.
type PageOption func(*PageAllocator)

// WithPageBudget caps the bytes the allocator reserves, header pages
// included. Requests beyond the budget fail like an exhausted OS.
func WithPageBudget(bytes int64) PageOption {
	return func(p *PageAllocator) {
		if bytes > 0 {
			p.budget = semaphore.NewWeighted(bytes)
		}
	}
}

// WithPageLogger sets the logger for reservation failures and leak reports.
func WithPageLogger(l *slog.Logger) PageOption {
	return func(p *PageAllocator) {
		p.logger = l
	}
}

// NewPageAllocator creates a page allocator. The page size is queried once.
func NewPageAllocator(name string, opts ...PageOption) *PageAllocator {
	p := &PageAllocator{
		name:     name,
		pageSize: osmem.PageSize(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = loggerOr(p.logger)
	return p
}

// Name satisfies the Allocator interface.
func (p *PageAllocator) Name() string { return p.name }

// PageSize returns the cached operating system page size.
func (p *PageAllocator) PageSize() uint64 { return p.pageSize }

// Allocate satisfies the Allocator interface.
func (p *PageAllocator) Allocate(size, alignment uint64) unsafe.Pointer {
	if alignment != p.pageSize {
		violation(p.name, "Allocate", "alignment %d is not the page size %d", alignment, p.pageSize)
	}
	if size == 0 || size%p.pageSize != 0 {
		violation(p.name, "Allocate", "size %d is not a nonzero multiple of the page size %d", size, p.pageSize)
	}
	if size > math.MaxInt64-p.pageSize {
		return nil
	}
	total := size + p.pageSize

	if p.budget != nil && !p.budget.TryAcquire(int64(total)) {
		p.logger.Debug("page budget exhausted", "allocator", p.name, "bytes", total)
		return nil
	}
	base, err := osmem.Reserve(total)
	if err != nil {
		if p.budget != nil {
			p.budget.Release(int64(total))
		}
		p.logger.Warn("page reservation failed", "allocator", p.name, "bytes", total, "error", err)
		return nil
	}

	h := (*pageHeader)(base)
	h.magic = pageMagic
	h.size = size
	p.reportAllocation(size)
	return unsafe.Add(base, p.pageSize)
}

// Deallocate satisfies the Allocator interface.
func (p *PageAllocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h := p.headerOf(ptr, "Deallocate")
	size := h.size
	total := size + p.pageSize
	h.magic = 0

	if err := osmem.Release(unsafe.Pointer(h), total); err != nil {
		violation(p.name, "Deallocate", "%v", err)
	}
	if p.budget != nil {
		p.budget.Release(int64(total))
	}
	p.reportDeallocation(size)
}

// GetSize satisfies the Allocator interface.
func (p *PageAllocator) GetSize(ptr unsafe.Pointer) uint64 {
	return p.headerOf(ptr, "GetSize").size
}

// Close reports allocations still live. The allocator owns no other resources.
func (p *PageAllocator) Close() error {
	return p.checkLeaks(p.name, p.logger)
}

// headerOf locates the header page in front of ptr and validates it. This is
// the only place that derives the header address from a user pointer.
func (p *PageAllocator) headerOf(ptr unsafe.Pointer, op string) *pageHeader {
	if ptr == nil || uint64(uintptr(ptr))%p.pageSize != 0 {
		violation(p.name, op, "%p is not a page allocator block", ptr)
	}
	h := (*pageHeader)(unsafe.Add(ptr, -int(p.pageSize)))
	if h.magic != pageMagic {
		violation(p.name, op, "bad header magic %#x at %p", h.magic, ptr)
	}
	return h
}
