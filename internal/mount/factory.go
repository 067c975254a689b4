package mount

import (
	"fmt"
	"strings"
	"time"

	"github.com/kriansa/podman-volume-diskimage/internal/cmdexec"
	"github.com/kriansa/podman-volume-diskimage/internal/device"
)

// Factory builds sessions with the right backend for an image format or for
// an existing device node
type Factory struct {
	runner     cmdexec.Runner
	loopAttach string
	partscan   bool
	nbdWait    time.Duration

	// bus connection for the dbus loop flavor, opened on first use and
	// shared by every backend the factory hands out
	conn device.DBusConnection
}

// NewFactory creates a session factory. loopAttach selects how raw images
// get attached ("cli" for losetup, "dbus" for UDisks2); partscan and nbdWait
// are passed through to the backends.
func NewFactory(runner cmdexec.Runner, loopAttach string, partscan bool, nbdWait time.Duration) (*Factory, error) {
	switch loopAttach {
	case "cli", "dbus":
	default:
		return nil, fmt.Errorf("unknown loop attach backend: %s (use 'cli' or 'dbus')", loopAttach)
	}

	return &Factory{
		runner:     runner,
		loopAttach: loopAttach,
		partscan:   partscan,
		nbdWait:    nbdWait,
	}, nil
}

// ForFormat builds a session for an image in the given format. Raw images go
// through the loop driver, everything else through qemu-nbd.
func (f *Factory) ForFormat(image, mountDir string, partition Partition, format string) (*Session, error) {
	var backend device.Backend
	var err error

	if format == "raw" {
		backend, err = f.loopBackend(image)
	} else {
		backend = device.NewNBDBackend(f.runner, image, format, f.nbdWait)
	}
	if err != nil {
		return nil, err
	}

	return NewSession(f.runner, backend, image, mountDir, partition), nil
}

// ForDevice builds a session around an already attached device node, used to
// tear down mounts that survived a plugin restart. Loop devices are
// recognized by name, anything else is taken as NBD.
func (f *Factory) ForDevice(image, mountDir string, partition Partition, devicePath string) (*Session, error) {
	var backend device.Backend
	var err error

	if strings.Contains(devicePath, "loop") {
		backend, err = f.loopBackend(image)
	} else {
		backend = device.NewNBDBackend(f.runner, image, "", f.nbdWait)
	}
	if err != nil {
		return nil, err
	}

	return NewSessionForDevice(f.runner, backend, image, mountDir, partition, devicePath), nil
}

func (f *Factory) loopBackend(image string) (device.Backend, error) {
	if f.loopAttach != "dbus" {
		return device.NewLoopBackend(f.runner, image, f.partscan), nil
	}

	if f.conn == nil {
		conn, err := device.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("connect to system bus: %w", err)
		}
		f.conn = conn
	}

	return device.NewUDisksLoopBackend(image, f.partscan, device.WithConnection(f.conn))
}

// Close releases the bus connection when one was opened
func (f *Factory) Close() error {
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
