// SPDX-License-Identifier: Apache-2.0

package alloc

import "log/slog"

// loggerOr returns l, or the process default logger when l is nil.
func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// NopLogger returns a logger that discards every record.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
