// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestProxyAllocatorCountsTargetSize(t *testing.T) {
	target := newGoAllocator()
	target.extra = 16

	a := NewProxyAllocator("a", target)
	b := NewProxyAllocator("b", target)
	require.Equal(t, "a", a.Name())
	require.Same(t, target, a.Target())

	pa := a.Allocate(100, 0)
	pb1 := b.Allocate(10, 0)
	pb2 := b.Allocate(20, 16)
	require.Zero(t, uintptr(pb2)%16)

	require.Equal(t, Stats{Allocations: 1, Bytes: 116}, a.Stats())
	require.Equal(t, Stats{Allocations: 2, Bytes: 26 + 36}, b.Stats())
	require.Equal(t, target.Stats().Bytes, a.Stats().Bytes+b.Stats().Bytes)
	require.Equal(t, target.Stats().Allocations, a.Stats().Allocations+b.Stats().Allocations)
	require.Equal(t, uint64(116), a.GetSize(pa))

	a.Deallocate(pa)
	b.Deallocate(pb1)
	b.Deallocate(pb2)
	b.Deallocate(nil)
	require.Equal(t, Stats{}, a.Stats())
	require.Equal(t, Stats{}, b.Stats())
	require.Equal(t, Stats{}, target.Stats())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestProxyAllocatorOverHeap(t *testing.T) {
	h := newTestHeap(t, 64*1024)
	p := NewProxyAllocator("strings", h, WithProxyLogger(NopLogger()))

	ptr := p.Allocate(33, 0)
	require.NotNil(t, ptr)
	require.Equal(t, h.Stats(), p.Stats())
	require.Equal(t, h.GetSize(ptr), p.GetSize(ptr))

	// exhaustion passes through without touching the counters
	require.Nil(t, p.Allocate(1<<20, 0))
	require.Equal(t, int64(1), p.Stats().Allocations)

	require.ErrorIs(t, p.Close(), ErrLeak)
	p.Deallocate(ptr)
	require.NoError(t, p.Close())
	require.NoError(t, h.Close())
}

func TestProxyAllocatorSetTarget(t *testing.T) {
	first, second := newGoAllocator(), newGoAllocator()
	p := NewProxyAllocator("p", first)

	ptr := p.Allocate(8, 0)
	p.Deallocate(ptr)

	p.SetTargetAllocator(second)
	require.Same(t, second, p.Target())
	ptr = p.Allocate(8, 0)
	require.Equal(t, int64(1), second.Stats().Allocations)
	require.Zero(t, first.Stats().Allocations)
	p.Deallocate(ptr)

	requireViolation(t, func() { p.SetTargetAllocator(nil) })
	requireViolation(t, func() { NewProxyAllocator("nil", nil) })
	require.Same(t, second, p.Target())
}

func TestProxyAllocatorTargetPanicsPropagate(t *testing.T) {
	h := newTestHeap(t, 4096)
	p := NewProxyAllocator("p", h)

	other := make([]byte, 64)
	requireViolation(t, func() { p.Deallocate(unsafe.Pointer(&other[16])) })
	require.Equal(t, Stats{}, p.Stats())
}
