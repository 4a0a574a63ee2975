// SPDX-License-Identifier: Apache-2.0

//go:build windows

package osmem

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func osPageSize() int {
	return os.Getpagesize()
}

func osReserve(size int) (unsafe.Pointer, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(addr), nil //nolint:govet // address is outside the Go heap
}

func osRelease(base unsafe.Pointer, _ int) error {
	return windows.VirtualFree(uintptr(base), 0, windows.MEM_RELEASE)
}
