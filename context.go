// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Context is the composition root for a process's allocators. It builds a
// page allocator, a heap over it and, optionally, a tracking allocator over
// the heap, and registers all of them with a Tracker. Subsystems receive
// their allocator from the Context explicitly instead of through globals.
type Context struct {
	Pages   *PageAllocator
	Heap    *HeapAllocator
	Tracker *Tracker

	// Default is the allocator handed to subsystems: the tracking allocator
	// when enabled, the heap otherwise.
	Default Allocator

	logger  *slog.Logger
	mtx     sync.Mutex
	closers []closer
}

type closer interface {
	Allocator
	Close() error
}

type contextConfig struct {
	heapBytes  uint64
	pageBudget int64
	tracking   bool
	logger     *slog.Logger
}

// ContextOption represents a configuration option for a Context.
type ContextOption func(*contextConfig)

// WithHeapBytes sets the size of the default heap region.
func WithHeapBytes(n uint64) ContextOption {
	return func(c *contextConfig) {
		c.heapBytes = n
	}
}

// WithPageBudgetBytes caps the bytes the page allocator may reserve.
func WithPageBudgetBytes(n int64) ContextOption {
	return func(c *contextConfig) {
		c.pageBudget = n
	}
}

// WithTracking wraps the default heap with a TrackingAllocator.
func WithTracking(enabled bool) ContextOption {
	return func(c *contextConfig) {
		c.tracking = enabled
	}
}

// WithLogger sets the logger shared by every allocator of the Context.
func WithLogger(l *slog.Logger) ContextOption {
	return func(c *contextConfig) {
		c.logger = l
	}
}

// NewContext builds the allocator stack.
func NewContext(opts ...ContextOption) (*Context, error) {
	cfg := contextConfig{heapBytes: DefaultHeapSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := loggerOr(cfg.logger)

	c := &Context{
		Tracker: NewTracker(),
		logger:  logger,
	}
	c.Pages = NewPageAllocator("pages", WithPageBudget(cfg.pageBudget), WithPageLogger(logger))
	c.add(c.Pages, nil)

	heap, err := NewHeapAllocatorFromPages("heap", c.Pages, WithHeapSize(cfg.heapBytes), WithHeapLogger(logger))
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}
	c.Heap = heap
	c.add(heap, c.Pages)
	c.Default = heap

	if cfg.tracking {
		tr, err := NewTrackingAllocator("tracking", heap, WithTrackingLogger(logger))
		if err != nil {
			return nil, errors.Join(err, c.Close())
		}
		c.add(tr, heap)
		c.Default = tr
	}
	c.Tracker.SetAllocator(c.Default)
	return c, nil
}

// Proxy creates a proxy over the default allocator, registered under it.
func (c *Context) Proxy(name string) *ProxyAllocator {
	p := NewProxyAllocator(name, c.Default, WithProxyLogger(c.logger))
	c.add(p, c.Default)
	return p
}

// Tracking creates a tracking allocator over parent, or over the default
// allocator when parent is nil.
func (c *Context) Tracking(name string, parent Allocator) (*TrackingAllocator, error) {
	if parent == nil {
		parent = c.Default
	}
	t, err := NewTrackingAllocator(name, parent, WithTrackingLogger(c.logger))
	if err != nil {
		return nil, err
	}
	c.add(t, parent)
	return t, nil
}

func (c *Context) add(a closer, parent Allocator) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.closers = append(c.closers, a)
	c.Tracker.RegisterAllocator(a, parent)
}

// Close tears the allocators down in reverse creation order and returns the
// joined leak reports. Every allocator is closed even when an earlier one
// reports a leak.
func (c *Context) Close() error {
	c.mtx.Lock()
	closers := c.closers
	c.closers = nil
	c.mtx.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %q: %w", closers[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
