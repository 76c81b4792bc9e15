// Package logx provides the process-wide logging façade used by the
// rendering core. It wraps log/slog rather than defining a bespoke
// formatter, matching the rest of the corpus (no example repository
// pulls in a third-party logging library such as zerolog or zap).
package logx

import (
	"fmt"
	"log/slog"
	"os"
)

var std = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetLevel adjusts the minimum severity logged by the process-wide
// logger. It is typically called once, from engine setup, when a
// debug build wants Debugf output.
func SetLevel(level slog.Level) {
	std = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Debugf logs a debug-severity message.
func Debugf(format string, args ...any) { std.Debug(sfmt(format, args...)) }

// Infof logs an info-severity message.
func Infof(format string, args ...any) { std.Info(sfmt(format, args...)) }

// Warnf logs a warning-severity message. Per spec §7, out-of-date
// swapchains, fence timeouts and overflowing light/texture tables are
// all reported at this level — they are recoverable.
func Warnf(format string, args ...any) { std.Warn(sfmt(format, args...)) }

// Fatalf logs an error-severity message and aborts the process. Per
// spec §7, init errors, allocation failures and reflection mismatches
// are unrecoverable and are reported this way.
func Fatalf(format string, args ...any) {
	msg := sfmt(format, args...)
	std.Error(msg)
	panic(msg)
}

func sfmt(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
