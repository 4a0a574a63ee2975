// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"unsafe"
)

const growThreshold = 256

// NewSlice creates a slice of type T with a given length and capacity,
// using the provided Allocator for its backing array.
// If the allocator is nil, it returns a slice using Go's built-in make
// function. It returns nil when the allocator is exhausted or cap is zero.
func NewSlice[T any](a Allocator, len, cap int) []T {
	if a == nil {
		return make([]T, len, cap)
	}
	if cap <= 0 {
		return nil
	}
	var x T
	bufSize := uint64(unsafe.Sizeof(x)) * uint64(cap)
	ptr := (*T)(a.Allocate(bufSize, uint64(unsafe.Alignof(x))))
	if ptr == nil {
		return nil
	}
	s := unsafe.Slice(ptr, cap)
	clear(s)
	return s[:len]
}

// AppendSlice appends elements to a slice of type T, growing the backing
// array through a when needed. s must be nil or come from NewSlice or
// AppendSlice with the same allocator; the old backing array is returned to
// a after growing. On exhaustion s is returned unchanged with ErrOutOfMemory.
func AppendSlice[T any](a Allocator, s []T, data ...T) ([]T, error) {
	if a == nil {
		return append(s, data...), nil
	}
	s, err := growSlice(a, s, len(data))
	if err != nil {
		return s, err
	}
	return append(s, data...), nil
}

// DeleteSlice returns the backing array of s to a.
func DeleteSlice[T any](a Allocator, s []T) {
	if a == nil || cap(s) == 0 {
		return
	}
	a.Deallocate(unsafe.Pointer(unsafe.SliceData(s[:cap(s)])))
}

func growSlice[T any](a Allocator, s []T, dataLen int) ([]T, error) {
	newLen := len(s) + dataLen
	newCap := cap(s)

	if newCap > 0 {
		for newLen > newCap {
			if newCap < growThreshold {
				newCap *= 2
			} else {
				newCap += newCap / 4
			}
		}
	} else {
		newCap = dataLen
	}
	if newCap == cap(s) {
		return s, nil
	}
	s2 := NewSlice[T](a, len(s), newCap)
	if s2 == nil {
		return s, ErrOutOfMemory
	}
	copy(s2, s)
	DeleteSlice(a, s)
	return s2, nil
}
