// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// goAllocator is a simple implementation of the Allocator interface for
// testing purposes. It allocates from the Go heap and keeps every block
// reachable until it is deallocated.
type goAllocator struct {
	usage
	mtx    sync.Mutex
	blocks map[unsafe.Pointer][]byte
	// extra is added to every request, imitating allocator overhead.
	extra uint64
}

func newGoAllocator() *goAllocator {
	return &goAllocator{blocks: map[unsafe.Pointer][]byte{}}
}

func (g *goAllocator) Name() string { return "go" }

func (g *goAllocator) Allocate(size, alignment uint64) unsafe.Pointer {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	n := size + g.extra
	buf := make([]byte, n+alignment)
	base := unsafe.Pointer(unsafe.SliceData(buf))
	ptr := unsafe.Add(base, alignUp(uint64(uintptr(base)), alignment)-uint64(uintptr(base)))

	// the map entry points into buf and keeps it alive
	g.mtx.Lock()
	g.blocks[ptr] = unsafe.Slice((*byte)(ptr), n)
	g.mtx.Unlock()
	g.reportAllocation(n)
	return ptr
}

func (g *goAllocator) Deallocate(ptr unsafe.Pointer) {
	g.mtx.Lock()
	b, ok := g.blocks[ptr]
	delete(g.blocks, ptr)
	g.mtx.Unlock()
	if !ok {
		panic("go allocator: unknown pointer")
	}
	g.reportDeallocation(uint64(len(b)))
}

func (g *goAllocator) GetSize(ptr unsafe.Pointer) uint64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	b, ok := g.blocks[ptr]
	if !ok {
		panic("go allocator: unknown pointer")
	}
	return uint64(len(b))
}

var _ Allocator = (*goAllocator)(nil)

// requireViolation asserts that fn panics with a *ContractError.
func requireViolation(t *testing.T, fn func()) *ContractError {
	t.Helper()
	var got any
	func() {
		defer func() { got = recover() }()
		fn()
	}()
	require.NotNil(t, got, "expected a contract violation")
	err, ok := got.(error)
	require.True(t, ok, "panic value %v is not an error", got)
	var ce *ContractError
	require.True(t, errors.As(err, &ce), "panic value %v is not a *ContractError", got)
	require.ErrorIs(t, err, ErrContractViolation)
	return ce
}

func newTestHeap(t *testing.T, size int) *HeapAllocator {
	t.Helper()
	h, err := NewHeapAllocator("heap", make([]byte, size), WithHeapLogger(NopLogger()))
	require.NoError(t, err)
	return h
}
