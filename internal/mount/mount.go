// Package mount drives the lifecycle that makes a disk image usable as a
// filesystem: attach the image to a block device, map the target partition,
// mount it. Teardown runs the same stages in reverse, and a half-finished
// mount is always rolled back.
//
// Sessions are not safe for concurrent use; callers serialize access (the
// driver holds its lock across every operation). Partition mappings live in
// the shared /dev/mapper namespace, so two processes mapping devices with
// equal basenames can still collide; nothing here defends against that.
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kriansa/podman-volume-diskimage/internal/cmdexec"
	"github.com/kriansa/podman-volume-diskimage/internal/device"
	"github.com/kriansa/podman-volume-diskimage/internal/log"
)

// State is the lifecycle position of a session. Each state implies all the
// earlier ones: a mounted session is also attached and mapped.
type State int

const (
	StateIdle State = iota
	StateAttached
	StateMapped
	StateMounted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttached:
		return "attached"
	case StateMapped:
		return "mapped"
	case StateMounted:
		return "mounted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Partition selects what gets mounted from the attached device
type Partition int

const (
	// PartitionNone mounts the whole device
	PartitionNone Partition = 0
	// PartitionSearch asks the backend to locate the partition itself,
	// which no current backend supports
	PartitionSearch Partition = -1
)

// Session owns one image-to-mount-point lifecycle
type Session struct {
	runner    cmdexec.Runner
	backend   device.Backend
	image     string
	mountDir  string
	partition Partition

	state        State
	device       string
	mappedDevice string
	autoMapped   bool
	lastError    string

	// read-only handle pinning the device node between attach and detach
	handle *os.File

	// overridable so tests can point at a temp dir
	devDir string
}

// NewSession creates an idle session for the given image
func NewSession(runner cmdexec.Runner, backend device.Backend, image, mountDir string, partition Partition) *Session {
	return &Session{
		runner:    runner,
		backend:   backend,
		image:     image,
		mountDir:  mountDir,
		partition: partition,
		devDir:    "/dev",
	}
}

// NewSessionForDevice creates a session bound to a device that was attached
// before this process started, so the mount can be torn down after a plugin
// restart
func NewSessionForDevice(runner cmdexec.Runner, backend device.Backend, image, mountDir string, partition Partition, devicePath string) *Session {
	s := NewSession(runner, backend, image, mountDir, partition)
	s.resetDevice(devicePath)
	return s
}

// resetDevice rebuilds stage state around an already attached device. The
// session is assumed fully mounted so Unmount can run from any point. A
// device-mapper path carries the base device and partition number in its
// name; anything else is taken as the raw device.
func (s *Session) resetDevice(devicePath string) {
	s.device = devicePath
	s.mappedDevice = devicePath
	s.state = StateMounted

	mapperPrefix := filepath.Join(s.devDir, "mapper") + "/"
	if !strings.HasPrefix(devicePath, mapperPrefix) {
		return
	}

	name := strings.TrimPrefix(devicePath, mapperPrefix)
	idx := strings.LastIndex(name, "p")
	if idx <= 0 {
		return
	}
	num, err := strconv.Atoi(name[idx+1:])
	if err != nil || num < 1 {
		return
	}

	s.device = filepath.Join(s.devDir, name[:idx])
	s.partition = Partition(num)
}

// Device returns the raw block device node, or "" when nothing is attached
func (s *Session) Device() string {
	return s.device
}

// MappedDevicePath returns the device node that gets mounted: the mapped
// partition when one was requested, the raw device otherwise. Empty until
// partitions are mapped.
func (s *Session) MappedDevicePath() string {
	return s.mappedDevice
}

// IsMounted reports whether the filesystem is currently mounted
func (s *Session) IsMounted() bool {
	return s.state == StateMounted
}

// LastError returns the message of the most recent failed operation
func (s *Session) LastError() string {
	return s.lastError
}

// State returns the lifecycle state
func (s *Session) State() State {
	return s.state
}

// Partition returns the partition selector; reattachment may have inferred
// it from the device path
func (s *Session) Partition() Partition {
	return s.partition
}

// openHandle keeps a read-only handle on the device node while the session
// owns it. Best-effort: a node that cannot be opened still mounts fine.
func (s *Session) openHandle() {
	f, err := os.Open(s.device)
	if err != nil {
		log.Debug("could not open device handle", "device", s.device, "error", err)
		return
	}
	s.handle = f
}

func (s *Session) closeHandle() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		log.Debug("could not close device handle", "device", s.device, "error", err)
	}
	s.handle = nil
}
