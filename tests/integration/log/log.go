//go:build integration

// Package log carries the console helpers for the VM-driven suite. The
// testing package buffers output until a test finishes, which hides all
// progress while a multi-minute VM boot is under way.
package log

import (
	"fmt"
	"os"
)

// Status prints a progress line immediately, bypassing test buffering.
func Status(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, format+"\n", args...)
}
