package procmounts

import (
	"os"
	"path/filepath"
	"testing"
)

// writeTable writes a mounts file and returns a Resolver pointed at it
func writeTable(t *testing.T, content string) *Resolver {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mounts")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return &Resolver{Path: path}
}

func TestResolverLookups(t *testing.T) {
	r := writeTable(t, `/dev/vda2 / ext4 rw,relatime 0 0
/dev/loop0 /mnt/vol1 ext4 rw,relatime 0 0
/dev/mapper/nbd0p1 /mnt/vol2 xfs rw 0 0
`)

	t.Run("MountPointOf", func(t *testing.T) {
		mp, err := r.MountPointOf("/dev/loop0")
		if err != nil {
			t.Fatalf("MountPointOf() error = %v", err)
		}
		if mp != "/mnt/vol1" {
			t.Errorf("MountPointOf() = %q, want /mnt/vol1", mp)
		}

		mp, err = r.MountPointOf("/dev/loop7")
		if err != nil {
			t.Fatalf("MountPointOf() error = %v", err)
		}
		if mp != "" {
			t.Errorf("MountPointOf() of unmounted device = %q, want empty", mp)
		}
	})

	t.Run("DeviceAt", func(t *testing.T) {
		dev, err := r.DeviceAt("/mnt/vol2")
		if err != nil {
			t.Fatalf("DeviceAt() error = %v", err)
		}
		if dev != "/dev/mapper/nbd0p1" {
			t.Errorf("DeviceAt() = %q, want /dev/mapper/nbd0p1", dev)
		}

		dev, err = r.DeviceAt("/mnt/nothing")
		if err != nil {
			t.Fatalf("DeviceAt() error = %v", err)
		}
		if dev != "" {
			t.Errorf("DeviceAt() of plain dir = %q, want empty", dev)
		}
	})

	t.Run("IsMountPoint", func(t *testing.T) {
		mounted, err := r.IsMountPoint("/mnt/vol1")
		if err != nil {
			t.Fatalf("IsMountPoint() error = %v", err)
		}
		if !mounted {
			t.Error("IsMountPoint(/mnt/vol1) = false, want true")
		}

		mounted, err = r.IsMountPoint("/mnt")
		if err != nil {
			t.Fatalf("IsMountPoint() error = %v", err)
		}
		if mounted {
			t.Error("IsMountPoint(/mnt) = true, want false")
		}
	})
}

func TestResolverResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	node := filepath.Join(dir, "loop3")
	if err := os.WriteFile(node, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "by-label")
	if err := os.Symlink(node, link); err != nil {
		t.Fatal(err)
	}

	r := writeTable(t, node+" /mnt/vol ext4 rw 0 0\n")

	// the table holds the real node, the caller asks with the symlink
	mp, err := r.MountPointOf(link)
	if err != nil {
		t.Fatalf("MountPointOf() error = %v", err)
	}
	if mp != "/mnt/vol" {
		t.Errorf("MountPointOf() = %q, want /mnt/vol", mp)
	}
}

func TestResolverMissingTable(t *testing.T) {
	r := &Resolver{Path: filepath.Join(t.TempDir(), "nope")}

	if _, err := r.Entries(); err == nil {
		t.Error("Entries() error = nil for a missing table")
	}
	if _, err := r.DeviceAt("/mnt/vol"); err == nil {
		t.Error("DeviceAt() error = nil for a missing table")
	}
}
