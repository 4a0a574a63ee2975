// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/time/rate"
)

// RetryAllocate calls a.Allocate until it succeeds, waiting on limiter
// between attempts. No allocator retries on its own; this is the helper for
// callers that choose to. A nil limiter makes a single attempt.
//
// When ctx ends or the limiter cannot grant a token before the deadline, the
// returned error matches ErrOutOfMemory and wraps the limiter's error.
func RetryAllocate(ctx context.Context, a Allocator, size, alignment uint64, limiter *rate.Limiter) (unsafe.Pointer, error) {
	for {
		if ptr := a.Allocate(size, alignment); ptr != nil {
			return ptr, nil
		}
		if limiter == nil {
			return nil, fmt.Errorf("%w: %q: %d bytes", ErrOutOfMemory, a.Name(), size)
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %q: %d bytes: %w", ErrOutOfMemory, a.Name(), size, err)
		}
	}
}
