// SPDX-License-Identifier: Apache-2.0

// Package osmem reserves and releases page-granular memory directly from the
// operating system, outside the Go heap.
//
// Regions returned by Reserve are readable, writable, zeroed and aligned to
// PageSize. They must be handed back to Release with the exact size that was
// reserved.
package osmem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	// ErrInvalidSize is returned for zero or overflowing region sizes.
	ErrInvalidSize = errors.New("osmem: invalid region size")
	// ErrNilRegion is returned when Release is called with a nil base.
	ErrNilRegion = errors.New("osmem: nil region")
)

var (
	pageSizeOnce sync.Once
	pageSize     uint64
)

// PageSize returns the operating system page size. It is queried once.
func PageSize() uint64 {
	pageSizeOnce.Do(func() {
		pageSize = uint64(osPageSize())
	})
	return pageSize
}

// Reserve reserves and commits size bytes of anonymous memory.
func Reserve(size uint64) (unsafe.Pointer, error) {
	if size == 0 || size > uint64(maxRegion) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	base, err := osReserve(int(size))
	if err != nil {
		return nil, fmt.Errorf("osmem: reserve %d bytes: %w", size, err)
	}
	return base, nil
}

// Release returns a region obtained from Reserve to the operating system.
func Release(base unsafe.Pointer, size uint64) error {
	if base == nil {
		return ErrNilRegion
	}
	if size == 0 || size > uint64(maxRegion) {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if err := osRelease(base, int(size)); err != nil {
		return fmt.Errorf("osmem: release %d bytes at %p: %w", size, base, err)
	}
	return nil
}

const maxRegion = int(^uint(0) >> 1)
