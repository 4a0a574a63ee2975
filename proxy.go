// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"log/slog"
	"sync/atomic"
	"unsafe"
)

// ProxyAllocator forwards every call to a target allocator and keeps its own
// usage counters, attributing consumption of a shared backing allocator to a
// named subsystem. Counters use the size the target reports for each pointer,
// so the target's rounding and bookkeeping overhead shows up in the proxy.
//
// The proxy owns no memory. Whoever owns both must keep the target alive for
// as long as the proxy is used.
type ProxyAllocator struct {
	usage
	name   string
	target atomic.Pointer[allocatorRef]
	logger *slog.Logger
}

type allocatorRef struct {
	Allocator
}

// ProxyOption represents a configuration option for a proxy allocator.
type ProxyOption func(*ProxyAllocator)

// WithProxyLogger sets the logger for leak reports.
func WithProxyLogger(l *slog.Logger) ProxyOption {
	return func(p *ProxyAllocator) {
		p.logger = l
	}
}

// NewProxyAllocator returns a proxy forwarding to target.
func NewProxyAllocator(name string, target Allocator, opts ...ProxyOption) *ProxyAllocator {
	p := &ProxyAllocator{name: name}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = loggerOr(p.logger)
	p.SetTargetAllocator(target)
	return p
}

// SetTargetAllocator swaps the target. Allocations made through the old
// target must be returned to it, not through this proxy.
func (p *ProxyAllocator) SetTargetAllocator(target Allocator) {
	if target == nil {
		violation(p.name, "SetTargetAllocator", "nil target")
	}
	p.target.Store(&allocatorRef{target})
}

// Target returns the current target.
func (p *ProxyAllocator) Target() Allocator {
	return p.target.Load().Allocator
}

// Name satisfies the Allocator interface.
func (p *ProxyAllocator) Name() string { return p.name }

// Allocate satisfies the Allocator interface.
func (p *ProxyAllocator) Allocate(size, alignment uint64) unsafe.Pointer {
	t := p.Target()
	ptr := t.Allocate(size, alignment)
	if ptr == nil {
		return nil
	}
	p.reportAllocation(t.GetSize(ptr))
	return ptr
}

// Deallocate satisfies the Allocator interface.
func (p *ProxyAllocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	t := p.Target()
	p.reportDeallocation(t.GetSize(ptr))
	t.Deallocate(ptr)
}

// GetSize satisfies the Allocator interface.
func (p *ProxyAllocator) GetSize(ptr unsafe.Pointer) uint64 {
	return p.Target().GetSize(ptr)
}

// Close reports allocations made through the proxy that are still live.
func (p *ProxyAllocator) Close() error {
	return p.checkLeaks(p.name, p.logger)
}
