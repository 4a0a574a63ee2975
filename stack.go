// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"runtime"
	"strconv"
)

// captureStack fills dst with return addresses of the calling goroutine,
// skipping skip frames above the caller of captureStack.
func captureStack(skip int, dst []uintptr) int {
	if len(dst) == 0 {
		return 0
	}
	return runtime.Callers(skip+2, dst)
}

// symbolize renders one captured address as "function file:line". The text
// is assembled in scratch and spills to the Go heap only when it does not fit.
func symbolize(pc uintptr, scratch []byte) string {
	frames := runtime.CallersFrames([]uintptr{pc})
	f, _ := frames.Next()
	if f.Function == "" {
		buf := append(scratch[:0], "0x"...)
		return string(strconv.AppendUint(buf, uint64(pc), 16))
	}
	buf := append(scratch[:0], f.Function...)
	buf = append(buf, ' ')
	buf = append(buf, f.File...)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(f.Line), 10)
	return string(buf)
}
