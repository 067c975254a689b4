// Package procmounts reads the kernel mount table. The driver uses it to
// answer "what is mounted where" questions, including after a plugin restart
// when no in-memory state survives.
package procmounts

import (
	"fmt"
	"os"
	"path/filepath"
)

const procMountsPath = "/proc/mounts"

// Entry represents an entry in /proc/mounts
type Entry struct {
	Device     string
	MountPoint string
	FSType     string
	Options    string
}

// Entries is a parsed mount table
type Entries []Entry

// MountPointOf returns the mount point of the given device, or "" when the
// device is not mounted
func (es Entries) MountPointOf(device string) string {
	for _, e := range es {
		if e.Device == device {
			return e.MountPoint
		}
	}
	return ""
}

// DeviceAt returns the device mounted at the given mount point, or "" when
// nothing is mounted there
func (es Entries) DeviceAt(mountPoint string) string {
	for _, e := range es {
		if e.MountPoint == mountPoint {
			return e.Device
		}
	}
	return ""
}

// IsMountPoint reports whether the given path appears as a mount point
func (es Entries) IsMountPoint(path string) bool {
	return es.DeviceAt(path) != ""
}

// Resolver answers lookups against the mount table. The zero value reads
// /proc/mounts; Path points it at another file, which tests use.
type Resolver struct {
	Path string
}

func (r *Resolver) table() string {
	if r.Path != "" {
		return r.Path
	}
	return procMountsPath
}

// Entries parses the whole mount table. Callers doing several lookups at
// once should parse once and use the Entries methods.
func (r *Resolver) Entries() (Entries, error) {
	file, err := os.Open(r.table())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", r.table(), err)
	}
	defer file.Close()

	mounts, err := ParseReader(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.table(), err)
	}
	return mounts, nil
}

// MountPointOf returns the mount point for a source device, resolving
// symlinks so that /dev/disk/by-* style paths match. Returns "" when the
// device is not mounted.
func (r *Resolver) MountPointOf(device string) (string, error) {
	resolved, err := filepath.EvalSymlinks(device)
	if err != nil {
		// unresolvable paths still get the literal comparison
		resolved = device
	}

	mounts, err := r.Entries()
	if err != nil {
		return "", err
	}

	for _, mount := range mounts {
		if mount.Device == device || mount.Device == resolved {
			return mount.MountPoint, nil
		}
	}
	return "", nil
}

// DeviceAt returns the device mounted at the given mount point, or "" when
// nothing is mounted there
func (r *Resolver) DeviceAt(mountPoint string) (string, error) {
	abs, err := filepath.Abs(mountPoint)
	if err != nil {
		return "", fmt.Errorf("get absolute path: %w", err)
	}

	mounts, err := r.Entries()
	if err != nil {
		return "", err
	}
	return mounts.DeviceAt(abs), nil
}

// IsMountPoint reports whether the given path is currently a mount point
func (r *Resolver) IsMountPoint(path string) (bool, error) {
	device, err := r.DeviceAt(path)
	if err != nil {
		return false, err
	}
	return device != "", nil
}
