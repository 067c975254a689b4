package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kriansa/podman-volume-diskimage/internal/cmdexec"
	"github.com/kriansa/podman-volume-diskimage/internal/log"
)

const mapCheckAttempts = 5

// kpartx returns before the mapper nodes appear; tests shorten this
var mapCheckInterval = 200 * time.Millisecond

// Mount runs the full lifecycle: attach, map, mount. When any stage fails,
// everything done so far is torn down again, so the session never stays
// half-mounted. The failure message is also available through LastError.
func (s *Session) Mount() error {
	var err error
	defer func() {
		if err != nil {
			log.Debug("mount failed, tearing back down", "image", s.image, "error", err)
			s.Unmount()
		}
	}()

	if err = s.Attach(); err != nil {
		return err
	}
	if err = s.MapPartitions(); err != nil {
		return err
	}
	if err = s.MountFilesystem(); err != nil {
		return err
	}
	return nil
}

// Attach exposes the image as a block device. Attaching an already attached
// session does nothing.
func (s *Session) Attach() error {
	if s.state >= StateAttached {
		return nil
	}

	dev, err := s.backend.Attach()
	if err != nil {
		attachErr := &AttachError{Err: err}
		s.lastError = attachErr.Error()
		return attachErr
	}

	s.device = dev
	s.state = StateAttached
	s.openHandle()

	log.Debug("device attached", "image", s.image, "device", dev, "mode", s.backend.Mode())
	return nil
}

// MapPartitions makes the partition selected at construction available as a
// device node. Without a partition selector the raw device is passed
// through. Mapping an already mapped session does nothing.
func (s *Session) MapPartitions() error {
	if s.state >= StateMapped {
		return nil
	}
	if s.state < StateAttached {
		return fmt.Errorf("cannot map partitions: no device attached")
	}

	base := filepath.Base(s.device)

	switch {
	case s.partition == PartitionSearch:
		err := &UnsupportedOperationError{Operation: "partition search", Mode: s.backend.Mode()}
		s.lastError = err.Error()
		return err

	case s.partition > 0:
		// the kernel may have created partition nodes itself (partscan)
		automapped := filepath.Join(s.devDir, fmt.Sprintf("%sp%d", base, s.partition))
		if _, err := os.Stat(automapped); err == nil {
			s.mappedDevice = automapped
			s.autoMapped = true
			s.state = StateMapped
			log.Debug("partition already mapped by the kernel", "device", automapped)
			return nil
		}

		mapPath := filepath.Join(s.devDir, "mapper", fmt.Sprintf("%sp%d", base, s.partition))

		// kpartx writes warnings to stderr and succeeds, and writes
		// failures to stderr while exiting zero. Only the mapped node
		// existing tells the two apart.
		_, errText := s.runner.TryRun([]string{"kpartx", "-a", s.device},
			cmdexec.AsRoot(), cmdexec.DiscardWarnings())

		if !s.waitForPath(mapPath) {
			if errText == "" {
				errText = fmt.Sprintf("partition %d not found", s.partition)
			}
			err := &PartitionMapError{Reason: errText}
			s.lastError = err.Error()
			return err
		}

		s.mappedDevice = mapPath
		s.state = StateMapped
		log.Debug("partition mapped", "device", mapPath)
		return nil

	default:
		s.mappedDevice = s.device
		s.state = StateMapped
		return nil
	}
}

// MountFilesystem mounts the mapped device onto the mount dir. Mounting an
// already mounted session does nothing.
func (s *Session) MountFilesystem() error {
	if s.state >= StateMounted {
		return nil
	}
	if s.state < StateMapped {
		return fmt.Errorf("cannot mount filesystem: no partitions mapped")
	}

	log.Debug("mounting filesystem", "device", s.mappedDevice, "dir", s.mountDir)

	// mount reports some failures on stderr while exiting zero, so any
	// error text counts as failure
	_, errText := s.runner.TryRun([]string{"mount", s.mappedDevice, s.mountDir}, cmdexec.AsRoot())
	if errText != "" {
		err := &MountError{Reason: errText}
		s.lastError = err.Error()
		return err
	}

	s.state = StateMounted
	log.Debug("filesystem mounted", "device", s.mappedDevice, "dir", s.mountDir)
	return nil
}

// Unmount tears the session down in reverse order: unmount, unmap, detach.
// Only the stages that actually ran are undone, and every step is
// best-effort: failures are logged and the teardown continues. Unmounting
// an idle session does nothing.
func (s *Session) Unmount() {
	s.unmountFilesystem()
	s.unmapPartitions()
	s.detach()
}

func (s *Session) unmountFilesystem() {
	if s.state < StateMounted {
		return
	}

	log.Debug("unmounting filesystem", "device", s.mappedDevice, "dir", s.mountDir)
	if _, errText := s.runner.TryRun([]string{"umount", s.mappedDevice}, cmdexec.AsRoot()); errText != "" {
		log.Warn("could not unmount filesystem", "device", s.mappedDevice, "error", errText)
	}

	s.state = StateMapped
}

func (s *Session) unmapPartitions() {
	if s.state < StateMapped {
		return
	}

	// kernel-created partition nodes are not kpartx's to remove
	if s.partition > 0 && !s.autoMapped {
		if _, errText := s.runner.TryRun([]string{"kpartx", "-d", s.device},
			cmdexec.AsRoot(), cmdexec.DiscardWarnings()); errText != "" {
			log.Warn("could not unmap partitions", "device", s.device, "error", errText)
		}
	}

	s.mappedDevice = ""
	s.autoMapped = false
	s.state = StateAttached
}

func (s *Session) detach() {
	if s.state < StateAttached {
		return
	}

	s.closeHandle()
	s.backend.Detach(s.device)
	s.device = ""
	s.state = StateIdle
}

// waitForPath polls for a device node to appear
func (s *Session) waitForPath(path string) bool {
	for i := 0; i < mapCheckAttempts; i++ {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		if i < mapCheckAttempts-1 {
			time.Sleep(mapCheckInterval)
		}
	}
	return false
}
