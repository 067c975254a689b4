package device

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/kriansa/podman-volume-diskimage/internal/cmdexec"
	"github.com/kriansa/podman-volume-diskimage/internal/log"
)

var nbdDeviceRe = regexp.MustCompile(`^nbd\d+$`)

const nbdPollInterval = 100 * time.Millisecond

// NBDBackend attaches images with qemu-nbd, which understands every image
// format qemu does
type NBDBackend struct {
	runner cmdexec.Runner
	image  string
	format string
	wait   time.Duration

	// overridable roots so tests can point at temp dirs
	devDir string
	sysDir string
}

// NewNBDBackend creates an NBD backend for the given image. The format is
// passed through to qemu-nbd; wait bounds how long Attach waits for the
// kernel to report the device as connected.
func NewNBDBackend(runner cmdexec.Runner, image, format string, wait time.Duration) *NBDBackend {
	return &NBDBackend{
		runner: runner,
		image:  image,
		format: format,
		wait:   wait,
		devDir: "/dev",
		sysDir: "/sys",
	}
}

func (b *NBDBackend) Mode() string {
	return ModeNBD
}

func (b *NBDBackend) Attach() (string, error) {
	device, err := b.allocate()
	if err != nil {
		return "", err
	}

	args := []string{"qemu-nbd", "-c", device}
	if b.format != "" {
		args = append(args, "--format="+b.format)
	}
	args = append(args, b.image)

	if _, errText := b.runner.TryRun(args, cmdexec.AsRoot()); errText != "" {
		return "", fmt.Errorf("qemu-nbd error: %s", errText)
	}

	// qemu-nbd forks into the background; the device is usable once the
	// kernel exposes the pid file
	pidfile := filepath.Join(b.sysDir, "block", filepath.Base(device), "pid")
	deadline := time.Now().Add(b.wait)
	for {
		if _, err := os.Stat(pidfile); err == nil {
			break
		}
		if time.Now().After(deadline) {
			log.Warn("timeout waiting for nbd device", "device", device, "image", b.image)
			b.Detach(device)
			return "", fmt.Errorf("nbd device %s did not show up", device)
		}
		time.Sleep(nbdPollInterval)
	}

	log.Debug("image attached to nbd device", "image", b.image, "device", device)
	return device, nil
}

// allocate picks an nbd device node that no process is currently serving
func (b *NBDBackend) allocate() (string, error) {
	entries, err := os.ReadDir(filepath.Join(b.sysDir, "block"))
	if err != nil {
		return "", fmt.Errorf("scan nbd devices: %w", err)
	}

	var candidates []string
	for _, entry := range entries {
		if nbdDeviceRe.MatchString(entry.Name()) {
			candidates = append(candidates, entry.Name())
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("nbd unavailable: module not loaded")
	}

	for _, name := range candidates {
		// a pid file means qemu-nbd (or someone else) owns the device
		if _, err := os.Stat(filepath.Join(b.sysDir, "block", name, "pid")); os.IsNotExist(err) {
			return filepath.Join(b.devDir, name), nil
		}
	}

	return "", fmt.Errorf("no free nbd devices")
}

func (b *NBDBackend) Detach(device string) {
	if _, errText := b.runner.TryRun([]string{"qemu-nbd", "-d", device}, cmdexec.AsRoot()); errText != "" {
		log.Warn("could not disconnect nbd device", "device", device, "error", errText)
		return
	}
	log.Debug("nbd device disconnected", "device", device)
}
