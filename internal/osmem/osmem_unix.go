// SPDX-License-Identifier: Apache-2.0

//go:build unix

package osmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func osPageSize() int {
	return unix.Getpagesize()
}

func osReserve(size int) (unsafe.Pointer, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(unsafe.SliceData(data)), nil
}

// osRelease rebuilds the slice unix.Mmap handed out. Munmap looks the mapping
// up by its last byte, so base and size must match the reservation exactly.
func osRelease(base unsafe.Pointer, size int) error {
	return unix.Munmap(unsafe.Slice((*byte)(base), size))
}
