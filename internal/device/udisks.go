package device

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/godbus/dbus/v5"
	"github.com/kriansa/podman-volume-diskimage/internal/log"
)

const (
	udisksService          = "org.freedesktop.UDisks2"
	udisksManagerPath      = "/org/freedesktop/UDisks2/Manager"
	udisksManagerInterface = "org.freedesktop.UDisks2.Manager"
	udisksBlockInterface   = "org.freedesktop.UDisks2.Block"
	udisksLoopInterface    = "org.freedesktop.UDisks2.Loop"
	udisksBlockPathPrefix  = "/org/freedesktop/UDisks2/block_devices/"
)

// UDisksLoopBackend attaches images as loop devices through the UDisks2
// daemon instead of shelling out to losetup. The daemon tracks the fd it is
// handed, so devices it sets up are cleaned up even if this process dies.
type UDisksLoopBackend struct {
	image     string
	partscan  bool
	conn      DBusConnection
	connectFn func() (DBusConnection, error)

	// object path from Attach, kept so Detach skips the path lookup
	loopPath dbus.ObjectPath
}

// UDisksOption is a functional option for UDisksLoopBackend
type UDisksOption func(*UDisksLoopBackend)

// WithConnection sets a custom DBus connection (for testing)
func WithConnection(conn DBusConnection) UDisksOption {
	return func(b *UDisksLoopBackend) {
		b.conn = conn
		b.connectFn = nil
	}
}

// NewUDisksLoopBackend creates a UDisks2-backed loop backend for the given
// image
func NewUDisksLoopBackend(image string, partscan bool, opts ...UDisksOption) (*UDisksLoopBackend, error) {
	b := &UDisksLoopBackend{
		image:     image,
		partscan:  partscan,
		connectFn: ConnectSystemBus,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.conn == nil {
		conn, err := b.connectFn()
		if err != nil {
			return nil, fmt.Errorf("connect to system bus: %w", err)
		}
		b.conn = conn
	}

	return b, nil
}

func (b *UDisksLoopBackend) Mode() string {
	return ModeLoop
}

func (b *UDisksLoopBackend) Attach() (string, error) {
	f, err := os.OpenFile(b.image, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("could not attach image to loopback: %w", err)
	}
	defer f.Close()

	options := map[string]dbus.Variant{
		"no-part-scan": dbus.MakeVariant(!b.partscan),
	}

	manager := b.conn.Object(udisksService, udisksManagerPath)
	call := manager.Call(udisksManagerInterface+".LoopSetup", 0, dbus.UnixFD(f.Fd()), options)
	if call.Err != nil {
		return "", fmt.Errorf("could not attach image to loopback: %w", call.Err)
	}

	var objPath dbus.ObjectPath
	if err := call.Store(&objPath); err != nil {
		return "", fmt.Errorf("store LoopSetup result: %w", err)
	}

	device, err := b.devicePath(objPath)
	if err != nil {
		return "", fmt.Errorf("could not attach image to loopback: %w", err)
	}

	b.loopPath = objPath
	log.Debug("image attached via udisks", "image", b.image, "device", device)
	return device, nil
}

// devicePath reads the device node from the Block interface. The property
// is a null-terminated byte array.
func (b *UDisksLoopBackend) devicePath(objPath dbus.ObjectPath) (string, error) {
	obj := b.conn.Object(udisksService, objPath)

	variant, err := obj.GetProperty(udisksBlockInterface + ".Device")
	if err != nil {
		return "", fmt.Errorf("get Device property: %w", err)
	}

	raw, ok := variant.Value().([]byte)
	if !ok {
		return "", fmt.Errorf("unexpected Device property type %T", variant.Value())
	}

	device := string(bytes.TrimRight(raw, "\x00"))
	if device == "" {
		return "", fmt.Errorf("empty device node for %s", objPath)
	}

	return device, nil
}

func (b *UDisksLoopBackend) Detach(device string) {
	objPath := b.loopPath
	if objPath == "" {
		// Reattached session: this backend never did the Attach, so derive
		// the object path from the node name
		objPath = dbus.ObjectPath(udisksBlockPathPrefix + filepath.Base(device))
	}

	obj := b.conn.Object(udisksService, objPath)
	call := obj.Call(udisksLoopInterface+".Delete", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		log.Warn("could not detach loop device", "device", device, "error", call.Err)
		return
	}

	b.loopPath = ""
	log.Debug("loop device detached via udisks", "device", device)
}

// Close releases the bus connection
func (b *UDisksLoopBackend) Close() error {
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
