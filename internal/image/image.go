// Package image manages the disk image files behind volumes using qemu-img
package image

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/kriansa/podman-volume-diskimage/internal/cmdexec"
	"github.com/kriansa/podman-volume-diskimage/internal/log"
)

// Info describes a disk image as reported by qemu-img
type Info struct {
	// Format is the image format (raw, qcow2, ...)
	Format string
	// VirtualSize is the disk size the image presents, in bytes
	VirtualSize uint64
}

// Manager creates and inspects disk images
type Manager interface {
	// Create makes a new image of the given format and virtual size
	Create(path, format string, sizeBytes uint64) error
	// Probe reports format and virtual size of an existing image
	Probe(path string) (*Info, error)
	// Delete removes an image file. Deleting a missing file is not an
	// error.
	Delete(path string) error
}

// QemuImgManager implements Manager with the qemu-img CLI
type QemuImgManager struct {
	runner cmdexec.Runner
}

// NewQemuImgManager creates a qemu-img backed image manager
func NewQemuImgManager(runner cmdexec.Runner) *QemuImgManager {
	return &QemuImgManager{runner: runner}
}

func (m *QemuImgManager) Create(path, format string, sizeBytes uint64) error {
	size := strconv.FormatUint(sizeBytes, 10)
	if _, _, err := m.runner.Run([]string{"qemu-img", "create", "-f", format, path, size}); err != nil {
		return fmt.Errorf("create image: %w", err)
	}

	log.Debug("image created", "path", path, "format", format, "size", sizeBytes)
	return nil
}

// qemu-img info --output=json payload, only the fields we read
type qemuImgInfo struct {
	Format      string `json:"format"`
	VirtualSize uint64 `json:"virtual-size"`
}

func (m *QemuImgManager) Probe(path string) (*Info, error) {
	stdout, _, err := m.runner.Run([]string{"qemu-img", "info", "--output=json", path})
	if err != nil {
		return nil, fmt.Errorf("probe image: %w", err)
	}

	var raw qemuImgInfo
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil, fmt.Errorf("parse qemu-img info: %w", err)
	}
	if raw.Format == "" {
		return nil, fmt.Errorf("qemu-img reported no format for %s", path)
	}

	return &Info{Format: raw.Format, VirtualSize: raw.VirtualSize}, nil
}

func (m *QemuImgManager) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}
