package mount

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/kriansa/podman-volume-diskimage/internal/device"
)

type nopConn struct{}

func (nopConn) Object(dest string, path dbus.ObjectPath) dbus.BusObject { return nil }
func (nopConn) Close() error                                            { return nil }

func TestNewFactoryRejectsUnknownBackend(t *testing.T) {
	if _, err := NewFactory(&fakeRunner{}, "telepathy", false, time.Second); err == nil {
		t.Error("NewFactory() error = nil for unknown loop attach backend")
	}
}

func TestFactoryForFormat(t *testing.T) {
	f, err := NewFactory(&fakeRunner{}, "cli", true, time.Second)
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}

	t.Run("raw goes through loop", func(t *testing.T) {
		s, err := f.ForFormat("/images/vol.raw", "/mnt/vol", PartitionNone, "raw")
		if err != nil {
			t.Fatalf("ForFormat() error = %v", err)
		}
		if _, ok := s.backend.(*device.LoopBackend); !ok {
			t.Errorf("backend type = %T, want *device.LoopBackend", s.backend)
		}
		if s.State() != StateIdle {
			t.Errorf("State() = %v, want %v", s.State(), StateIdle)
		}
	})

	t.Run("qcow2 goes through nbd", func(t *testing.T) {
		s, err := f.ForFormat("/images/vol.qcow2", "/mnt/vol", PartitionNone, "qcow2")
		if err != nil {
			t.Fatalf("ForFormat() error = %v", err)
		}
		if _, ok := s.backend.(*device.NBDBackend); !ok {
			t.Errorf("backend type = %T, want *device.NBDBackend", s.backend)
		}
	})
}

func TestFactoryForFormatDBus(t *testing.T) {
	f, err := NewFactory(&fakeRunner{}, "dbus", false, time.Second)
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	f.conn = nopConn{}

	s, err := f.ForFormat("/images/vol.raw", "/mnt/vol", PartitionNone, "raw")
	if err != nil {
		t.Fatalf("ForFormat() error = %v", err)
	}
	if _, ok := s.backend.(*device.UDisksLoopBackend); !ok {
		t.Errorf("backend type = %T, want *device.UDisksLoopBackend", s.backend)
	}
}

func TestFactoryForDevice(t *testing.T) {
	f, err := NewFactory(&fakeRunner{}, "cli", false, time.Second)
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}

	t.Run("loop device by name", func(t *testing.T) {
		s, err := f.ForDevice("/images/vol.raw", "/mnt/vol", PartitionNone, "/dev/mapper/loop0p1")
		if err != nil {
			t.Fatalf("ForDevice() error = %v", err)
		}
		if _, ok := s.backend.(*device.LoopBackend); !ok {
			t.Errorf("backend type = %T, want *device.LoopBackend", s.backend)
		}
		if !s.IsMounted() {
			t.Error("IsMounted() = false for a reattached session")
		}
		if s.Device() != "/dev/loop0" {
			t.Errorf("Device() = %q, want /dev/loop0", s.Device())
		}
	})

	t.Run("anything else is nbd", func(t *testing.T) {
		s, err := f.ForDevice("/images/vol.qcow2", "/mnt/vol", PartitionNone, "/dev/nbd3")
		if err != nil {
			t.Fatalf("ForDevice() error = %v", err)
		}
		if _, ok := s.backend.(*device.NBDBackend); !ok {
			t.Errorf("backend type = %T, want *device.NBDBackend", s.backend)
		}
	})
}
