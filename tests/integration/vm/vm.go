//go:build integration

// Package vm boots and drives the QEMU guest the integration suite runs
// against.
package vm

import (
	"context"
	"time"
)

// VM is a running guest the tests can shell into.
type VM interface {
	// Run executes a command over SSH and returns its combined output.
	Run(cmd string) (string, error)
	// RunWithTimeout is Run with an upper bound, for commands that can hang.
	RunWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	// CopyFile uploads a local file into the guest over SFTP.
	CopyFile(localPath, remotePath string) error
	Stop()
	IsRunning() bool
	// WaitForSSH blocks until the guest accepts SSH logins.
	WaitForSSH(ctx context.Context) error
}
