// SPDX-License-Identifier: Apache-2.0

// Package alloc provides composable allocators over memory that lives outside
// the Go garbage collector.
//
// All variants satisfy the Allocator interface:
//
//   - PageAllocator hands out whole pages reserved from the operating system.
//   - HeapAllocator runs a two-level segregated fit arena over one region,
//     serialized by a mutex.
//   - ProxyAllocator forwards to a target and accounts usage for a subsystem.
//   - TrackingAllocator records the call stack of every live allocation and
//     reports leaks when closed.
//
// A Tracker arranges allocators into a named tree for reporting, and a
// Context wires the usual page -> heap -> proxy stack together so subsystems
// receive their allocator explicitly instead of through globals.
//
// Contract violations (misaligned page requests, foreign pointers, corrupted
// headers) panic with a *ContractError. Exhaustion is reported by a nil
// pointer. Leaks are logged and returned from Close as a *LeakError.
package alloc
