// SPDX-License-Identifier: Apache-2.0

package tlsf

import (
	"math/rand/v2"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestArena(t *testing.T, size int) (*Arena, []byte) {
	t.Helper()
	buf := make([]byte, size)
	a, err := Init(unsafe.Pointer(unsafe.SliceData(buf)), uint64(len(buf)))
	require.NoError(t, err)
	require.NoError(t, a.Check())
	return a, buf
}

func TestInitRejectsSmallRegions(t *testing.T) {
	buf := make([]byte, minBlock)
	_, err := Init(unsafe.Pointer(unsafe.SliceData(buf)), uint64(len(buf)))
	require.ErrorIs(t, err, ErrRegionTooSmall)

	_, err = Init(nil, 1024)
	require.ErrorIs(t, err, ErrNilRegion)
}

func TestAllocSizeOf(t *testing.T) {
	a, _ := newTestArena(t, 64*1024)

	for _, size := range []uint64{0, 1, 7, 8, 15, 16, 17, 100, 255, 256, 257, 1000, 4096} {
		ptr := a.Alloc(size, 0)
		require.NotNil(t, ptr, "size %d", size)
		require.GreaterOrEqual(t, a.SizeOf(ptr), size)
		require.Zero(t, uintptr(ptr)%alignSize)
		require.NoError(t, a.Check())
	}
}

func TestAllocAlignment(t *testing.T) {
	a, _ := newTestArena(t, 256*1024)

	var ptrs []unsafe.Pointer
	for _, align := range []uint64{8, 16, 32, 64, 128, 256, 4096} {
		for _, size := range []uint64{1, 24, 100, 333} {
			ptr := a.Alloc(size, align)
			require.NotNil(t, ptr)
			require.Zero(t, uintptr(ptr)%uintptr(align), "align %d size %d", align, size)
			require.GreaterOrEqual(t, a.SizeOf(ptr), size)
			require.NoError(t, a.Check())
			ptrs = append(ptrs, ptr)
		}
	}
	for _, ptr := range ptrs {
		a.Free(ptr)
		require.NoError(t, a.Check())
	}
	require.Zero(t, a.Used())
}

func TestAllocRejectsBadAlignment(t *testing.T) {
	a, _ := newTestArena(t, 4096)
	require.Nil(t, a.Alloc(16, 24))
}

func TestAllocAligned(t *testing.T) {
	a, _ := newTestArena(t, 4096)

	ptr, err := a.AllocAligned(32, 16, 0)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	ptr, err = a.AllocAligned(32, 16, 4)
	require.ErrorIs(t, err, ErrUnsupportedOffset)
	require.Nil(t, ptr)
}

func TestExhaustion(t *testing.T) {
	a, _ := newTestArena(t, 4096)

	var ptrs []unsafe.Pointer
	for {
		ptr := a.Alloc(100, 0)
		if ptr == nil {
			break
		}
		ptrs = append(ptrs, ptr)
	}
	require.NotEmpty(t, ptrs)
	require.Nil(t, a.Alloc(8192, 0))
	require.NoError(t, a.Check())

	// freeing one block makes room again
	a.Free(ptrs[0])
	require.NotNil(t, a.Alloc(100, 0))
}

func TestAllocWholeRegion(t *testing.T) {
	a, _ := newTestArena(t, 64*1024)

	whole := a.Capacity() - 2*headerSize
	ptr := a.Alloc(whole, 0)
	require.NotNil(t, ptr)
	require.Equal(t, whole, a.SizeOf(ptr))
	require.Nil(t, a.Alloc(1, 0))
	require.NoError(t, a.Check())

	a.Free(ptr)
	require.NoError(t, a.Check())

	// AllocAligned takes the same lookup
	ptr, err := a.AllocAligned(whole, 8, 0)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	a.Free(ptr)
	require.Zero(t, a.Used())
}

func TestFreeCoalesces(t *testing.T) {
	a, _ := newTestArena(t, 64*1024)

	ptrs := make([]unsafe.Pointer, 0, 64)
	for i := 0; i < 64; i++ {
		ptr := a.Alloc(512, 0)
		require.NotNil(t, ptr)
		ptrs = append(ptrs, ptr)
	}
	require.Nil(t, a.Alloc(32*1024, 0))

	// free in an interleaved order to exercise merges on both sides
	for i := 0; i < len(ptrs); i += 2 {
		a.Free(ptrs[i])
		require.NoError(t, a.Check())
	}
	for i := 1; i < len(ptrs); i += 2 {
		a.Free(ptrs[i])
		require.NoError(t, a.Check())
	}
	require.Zero(t, a.Used())
	require.NotNil(t, a.Alloc(32*1024, 0))
}

func TestFreeNil(t *testing.T) {
	a, _ := newTestArena(t, 4096)
	a.Free(nil)
	require.NoError(t, a.Check())
}

func TestDoubleFreePanics(t *testing.T) {
	a, _ := newTestArena(t, 4096)

	ptr := a.Alloc(64, 0)
	a.Free(ptr)
	require.Panics(t, func() { a.Free(ptr) })
}

func TestForeignPointerPanics(t *testing.T) {
	a, _ := newTestArena(t, 4096)

	other := make([]byte, 64)
	require.Panics(t, func() { a.Free(unsafe.Pointer(&other[16])) })
	require.Panics(t, func() { a.SizeOf(unsafe.Pointer(&other[16])) })
}

func TestMapping(t *testing.T) {
	fl, sl := mapping(16)
	require.Equal(t, 0, fl)
	require.Equal(t, 2, sl)

	fl, sl = mapping(smallBlock)
	require.Equal(t, 1, fl)
	require.Equal(t, 0, sl)

	// every block in the class selected for a search must fit the request
	for size := uint64(smallBlock); size < 1<<20; size += 37 {
		fl, sl := mapping(roundUpClass(size))
		lowest := uint64(1)<<(fl+flShift-1) + uint64(sl)<<(fl+flShift-1-slLog2)
		require.GreaterOrEqual(t, lowest, size, "size %d", size)
	}
}

func TestRandomWorkload(t *testing.T) {
	a, _ := newTestArena(t, 1<<20)
	rng := rand.New(rand.NewPCG(1, 2))

	live := map[unsafe.Pointer]uint64{}
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && rng.IntN(3) == 0 {
			for ptr := range live {
				a.Free(ptr)
				delete(live, ptr)
				break
			}
			continue
		}
		size := uint64(rng.IntN(2048))
		align := uint64(8) << rng.IntN(4)
		ptr := a.Alloc(size, align)
		if ptr == nil {
			continue
		}
		require.Zero(t, uintptr(ptr)%uintptr(align))
		require.GreaterOrEqual(t, a.SizeOf(ptr), size)
		live[ptr] = size
		if i%250 == 0 {
			require.NoError(t, a.Check())
		}
	}
	for ptr := range live {
		a.Free(ptr)
	}
	require.NoError(t, a.Check())
	require.Zero(t, a.Used())
}
