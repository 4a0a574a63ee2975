// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"errors"
	"fmt"
)

// Group identifies the subsystem an error Code belongs to.
type Group uint16

const (
	GroupMemory Group = 1 + iota
	GroupSystem
	// GroupNetwork is reserved for socket failures of embedding applications.
	GroupNetwork
)

// Code is a 32-bit error code. Error codes carry ErrorTag (the sign bit and
// bit 15) combined with a Group in bits 16-30 and a local code in bits 0-14.
// Success is zero.
type Code uint32

const (
	// ErrorTag marks a Code as an error.
	ErrorTag Code = 1<<31 | 1<<15

	// Success is the zero Code.
	Success Code = 0
)

const (
	memoryGroup = Code(GroupMemory) << 16
	systemGroup = Code(GroupSystem) << 16
)

// Error codes of the memory group. They satisfy error and match with errors.Is
// through any amount of wrapping.
const (
	ErrAllocatorCreate        = ErrorTag | memoryGroup | 1
	ErrOutOfMemory            = ErrorTag | memoryGroup | 2
	ErrUnsupportedAlignOffset = ErrorTag | memoryGroup | 3
	ErrLeak                   = ErrorTag | memoryGroup | 4
	ErrClosed                 = ErrorTag | memoryGroup | 5
	ErrContractViolation      = ErrorTag | memoryGroup | 6
	ErrInvalidArgument        = ErrorTag | memoryGroup | 7
)

// ErrUnknown is returned by CodeOf for errors that carry no Code.
const ErrUnknown = ErrorTag | systemGroup | 1

var codeText = map[Code]string{
	ErrAllocatorCreate:        "alloc: allocator creation failed",
	ErrOutOfMemory:            "alloc: out of memory",
	ErrUnsupportedAlignOffset: "alloc: alignment offset not supported",
	ErrLeak:                   "alloc: memory leaked",
	ErrClosed:                 "alloc: allocator closed",
	ErrContractViolation:      "alloc: contract violation",
	ErrInvalidArgument:        "alloc: invalid argument",
	ErrUnknown:                "alloc: unknown error",
}

// MakeCode builds an error Code from a group and a local code. Both are
// truncated to 15 bits.
func MakeCode(group Group, local uint16) Code {
	return ErrorTag | Code(group&0x7fff)<<16 | Code(local&0x7fff)
}

// IsError reports whether c carries the error tag.
func (c Code) IsError() bool { return c&ErrorTag == ErrorTag }

// Group returns the subsystem of c.
func (c Code) Group() Group { return Group(c>>16) & 0x7fff }

// Local returns the subsystem local part of c.
func (c Code) Local() uint16 { return uint16(c & 0x7fff) }

func (c Code) Error() string {
	if msg, ok := codeText[c]; ok {
		return msg
	}
	if !c.IsError() {
		return fmt.Sprintf("alloc: code %#08x is not an error", uint32(c))
	}
	return fmt.Sprintf("alloc: error %#08x (group %d, code %d)", uint32(c), c.Group(), c.Local())
}

// CodeOf returns the Code carried by err, Success for a nil err and
// ErrUnknown when err carries no Code.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrUnknown
}

// ContractError is the panic value raised when a caller breaks an allocator
// precondition: wrong alignment or size granularity, a pointer the allocator
// does not own, a corrupted header or tracking record.
type ContractError struct {
	Allocator string
	Op        string
	Detail    string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("alloc: %s: %s: %s", e.Allocator, e.Op, e.Detail)
}

func (e *ContractError) Unwrap() error { return ErrContractViolation }

func violation(allocator, op, format string, args ...any) {
	panic(&ContractError{Allocator: allocator, Op: op, Detail: fmt.Sprintf(format, args...)})
}

// Leak describes one allocation still live at teardown.
type Leak struct {
	Ptr   uintptr
	Size  uint64
	Stack []uintptr
}

// LeakError is returned by Close when an allocator still has live
// allocations. Leaks is only filled in by the TrackingAllocator.
type LeakError struct {
	Allocator   string
	Allocations int64
	Bytes       int64
	Leaks       []Leak
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("alloc: %q leaked %d allocations, %d bytes", e.Allocator, e.Allocations, e.Bytes)
}

func (e *LeakError) Unwrap() error { return ErrLeak }
