package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/kriansa/podman-volume-diskimage/internal/cmdexec"
	"github.com/kriansa/podman-volume-diskimage/internal/log"
)

const (
	detachAttempts = 3
	detachDelay    = 100 * time.Millisecond
)

// LoopBackend attaches images with the losetup CLI
type LoopBackend struct {
	runner   cmdexec.Runner
	image    string
	partscan bool
}

// NewLoopBackend creates a loop backend for the given image. With partscan
// enabled the kernel is asked to create partition nodes on attach.
func NewLoopBackend(runner cmdexec.Runner, image string, partscan bool) *LoopBackend {
	return &LoopBackend{
		runner:   runner,
		image:    image,
		partscan: partscan,
	}
}

func (b *LoopBackend) Mode() string {
	return ModeLoop
}

func (b *LoopBackend) Attach() (string, error) {
	args := []string{"losetup", "--find", "--show"}
	if b.partscan {
		args = append(args, "--partscan")
	}
	args = append(args, b.image)

	stdout, errText := b.runner.TryRun(args, cmdexec.AsRoot())
	if errText != "" {
		return "", fmt.Errorf("could not attach image to loopback: %s", errText)
	}

	device := strings.TrimSpace(stdout)
	if device == "" {
		return "", fmt.Errorf("could not attach image to loopback: losetup returned no device")
	}

	log.Debug("image attached to loop device", "image", b.image, "device", device)
	return device, nil
}

func (b *LoopBackend) Detach(device string) {
	// losetup flakes when the node is still briefly busy, so retry
	for attempt := 1; ; attempt++ {
		_, _, err := b.runner.Run([]string{"losetup", "--detach", device}, cmdexec.AsRoot())
		if err == nil {
			log.Debug("loop device detached", "device", device)
			return
		}
		if attempt == detachAttempts {
			log.Warn("could not detach loop device", "device", device, "error", err)
			return
		}
		time.Sleep(detachDelay)
	}
}
