// Package driver implements the volume plugin API on top of the mount
// lifecycle core. This is the layer Podman talks to: request validation,
// quota accounting, the volume registry, and the translation of lifecycle
// failures into plugin error strings.
package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/go-plugins-helpers/volume"
	"github.com/kriansa/podman-volume-diskimage/internal/cmdexec"
	"github.com/kriansa/podman-volume-diskimage/internal/config"
	"github.com/kriansa/podman-volume-diskimage/internal/image"
	"github.com/kriansa/podman-volume-diskimage/internal/log"
	"github.com/kriansa/podman-volume-diskimage/internal/mount"
	"github.com/kriansa/podman-volume-diskimage/internal/procmounts"
	"github.com/kriansa/podman-volume-diskimage/internal/registry"
	"github.com/kriansa/podman-volume-diskimage/internal/validation"
	"golang.org/x/sys/unix"
)

// Driver implements the Docker volume plugin interface for volumes backed by
// disk image files
type Driver struct {
	mu sync.Mutex

	mountPath     string
	imageDir      string
	defaultFormat string
	defaultFS     string
	defaultSize   uint64
	maxVolumes    int
	maxTotal      uint64

	store    registry.Store
	images   image.Manager
	sessions *mount.Factory
	runner   cmdexec.Runner
	mounts   *procmounts.Resolver

	// live mount sessions by volume name
	live map[string]*mount.Session
}

// NewDriver creates a new volume driver. The config must have been validated.
func NewDriver(cfg *config.Config, store registry.Store, images image.Manager,
	sessions *mount.Factory, runner cmdexec.Runner, mounts *procmounts.Resolver) (*Driver, error) {

	defaultSize, err := validation.ParseSize(cfg.DefaultSize)
	if err != nil {
		return nil, fmt.Errorf("default_size: %w", err)
	}

	var maxTotal uint64
	if cfg.MaxTotalSize != "" {
		if maxTotal, err = validation.ParseSize(cfg.MaxTotalSize); err != nil {
			return nil, fmt.Errorf("max_total_size: %w", err)
		}
	}

	return &Driver{
		mountPath:     cfg.MountPath,
		imageDir:      filepath.Join(cfg.DataDir, "images"),
		defaultFormat: cfg.DefaultFormat,
		defaultFS:     cfg.DefaultFilesystem,
		defaultSize:   defaultSize,
		maxVolumes:    cfg.MaxVolumes,
		maxTotal:      maxTotal,
		store:         store,
		images:        images,
		sessions:      sessions,
		runner:        runner,
		mounts:        mounts,
		live:          make(map[string]*mount.Session),
	}, nil
}

// Create creates a new volume backed by a disk image. Options: size, format
// and fs shape a fresh image; image (plus optional format and partition)
// adopts an existing one instead.
func (d *Driver) Create(req *volume.CreateRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.Debug("creating volume", "name", req.Name, "options", req.Options)

	if err := validation.ValidateVolumeName(req.Name); err != nil {
		return err
	}

	for opt := range req.Options {
		switch opt {
		case "size", "format", "fs", "image", "partition":
		default:
			return fmt.Errorf("unknown option %q", opt)
		}
	}

	if _, err := d.store.Get(req.Name); err == nil {
		return fmt.Errorf("volume %s already exists", req.Name)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("check existing volume: %w", err)
	}

	vol, err := d.newVolume(req.Name, req.Options)
	if err != nil {
		return err
	}

	if err := d.checkQuotas(vol.SizeBytes); err != nil {
		return err
	}

	if !vol.Adopted {
		if err := d.provisionImage(vol); err != nil {
			return err
		}
	}

	if err := d.store.Put(vol); err != nil {
		// the image is useless without its record
		if !vol.Adopted {
			_ = d.images.Delete(vol.Image)
		}
		return fmt.Errorf("store volume: %w", err)
	}

	log.Info("volume created", "name", vol.Name, "image", vol.Image,
		"format", vol.Format, "size", vol.SizeBytes, "adopted", vol.Adopted)
	return nil
}

// newVolume turns create options into a volume record. Fresh volumes get an
// image path under the data dir; adopted ones are probed so quota accounting
// sees their real size.
func (d *Driver) newVolume(name string, opts map[string]string) (*registry.Volume, error) {
	vol := &registry.Volume{
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	if p := opts["partition"]; p != "" {
		n, err := validation.ParsePartition(p)
		if err != nil {
			return nil, err
		}
		vol.Partition = n
	}

	if imagePath := opts["image"]; imagePath != "" {
		if !filepath.IsAbs(imagePath) {
			return nil, fmt.Errorf("image path must be absolute, got %q", imagePath)
		}
		if opts["size"] != "" || opts["fs"] != "" {
			return nil, fmt.Errorf("the size and fs options do not apply to adopted images")
		}

		info, err := d.images.Probe(imagePath)
		if err != nil {
			return nil, fmt.Errorf("adopt %s: %w", imagePath, err)
		}

		// qemu-img may misdetect raw images, so an explicit format wins
		format := info.Format
		if opts["format"] != "" {
			format = opts["format"]
		}
		if err := validation.ValidateFormat(format); err != nil {
			return nil, err
		}

		vol.Image = imagePath
		vol.Format = format
		vol.SizeBytes = info.VirtualSize
		vol.Adopted = true
		return vol, nil
	}

	// fresh images are never partitioned, they get one filesystem
	if vol.Partition != 0 {
		return nil, fmt.Errorf("the partition option requires an adopted image")
	}

	format := d.defaultFormat
	if opts["format"] != "" {
		format = opts["format"]
		if err := validation.ValidateFormat(format); err != nil {
			return nil, err
		}
	}

	fs := d.defaultFS
	if opts["fs"] != "" {
		fs = opts["fs"]
		if err := validation.ValidateFilesystem(fs); err != nil {
			return nil, err
		}
	}

	size := d.defaultSize
	if opts["size"] != "" {
		var err error
		if size, err = validation.ParseSize(opts["size"]); err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", opts["size"], err)
		}
		if size == 0 {
			return nil, fmt.Errorf("size must not be zero")
		}
	}

	vol.Image = filepath.Join(d.imageDir, name+"."+format)
	vol.Format = format
	vol.Filesystem = fs
	vol.SizeBytes = size
	return vol, nil
}

// checkQuotas enforces max_volumes and max_total_size against the registry
func (d *Driver) checkQuotas(addedBytes uint64) error {
	if d.maxVolumes == 0 && d.maxTotal == 0 {
		return nil
	}

	volumes, err := d.store.List()
	if err != nil {
		return fmt.Errorf("list volumes: %w", err)
	}

	if d.maxVolumes > 0 && len(volumes)+1 > d.maxVolumes {
		return fmt.Errorf("volume quota reached: at most %d volumes allowed", d.maxVolumes)
	}

	if d.maxTotal > 0 {
		total := addedBytes
		for _, vol := range volumes {
			total += vol.SizeBytes
		}
		if total > d.maxTotal {
			return fmt.Errorf("size quota exceeded: at most %d bytes allowed in total", d.maxTotal)
		}
	}

	return nil
}

// provisionImage creates the image file and puts a filesystem on it. The
// filesystem is made through a regular attach/detach cycle, so the image
// goes through the same backend it will later be mounted with.
func (d *Driver) provisionImage(vol *registry.Volume) error {
	if err := os.MkdirAll(d.imageDir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	if _, err := os.Stat(vol.Image); err == nil {
		return fmt.Errorf("image %s already exists", vol.Image)
	}

	if err := d.images.Create(vol.Image, vol.Format, vol.SizeBytes); err != nil {
		return err
	}

	if err := d.makeFilesystem(vol); err != nil {
		_ = d.images.Delete(vol.Image)
		return err
	}
	return nil
}

func (d *Driver) makeFilesystem(vol *registry.Volume) error {
	session, err := d.sessions.ForFormat(vol.Image, "", mount.PartitionNone, vol.Format)
	if err != nil {
		return fmt.Errorf("prepare attach: %w", err)
	}
	defer session.Unmount()

	if err := session.Attach(); err != nil {
		return fmt.Errorf("attach image for mkfs: %w", err)
	}

	if _, _, err := d.runner.Run([]string{"mkfs", "-t", vol.Filesystem, session.Device()}, cmdexec.AsRoot()); err != nil {
		return fmt.Errorf("make filesystem: %w", err)
	}

	log.Debug("filesystem created", "image", vol.Image, "fs", vol.Filesystem)
	return nil
}

// Remove unmounts the volume if needed, deletes its image file when the
// plugin created it, and drops it from the registry. Adopted images stay on
// disk.
func (d *Driver) Remove(req *volume.RemoveRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.Debug("removing volume", "name", req.Name)

	vol, err := d.getVolume(req.Name)
	if err != nil {
		return err
	}

	if err := d.unmountVolume(vol); err != nil {
		return err
	}

	if !vol.Adopted {
		if err := d.images.Delete(vol.Image); err != nil {
			return err
		}
	}

	if err := d.store.Delete(vol.Name); err != nil {
		return fmt.Errorf("delete volume record: %w", err)
	}

	log.Info("volume removed", "name", vol.Name, "adopted", vol.Adopted)
	return nil
}

// Mount attaches the volume's image and mounts it. Mounting an already
// mounted volume returns the existing mount point.
func (d *Driver) Mount(req *volume.MountRequest) (*volume.MountResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.Debug("mounting volume", "name", req.Name, "id", req.ID)

	vol, err := d.getVolume(req.Name)
	if err != nil {
		return nil, err
	}
	mountPoint := d.mountPointPath(vol.Name)

	if session := d.live[vol.Name]; session != nil && session.IsMounted() {
		log.Debug("volume already mounted", "name", vol.Name, "path", mountPoint)
		return &volume.MountResponse{Mountpoint: mountPoint}, nil
	}

	// a mount left over from a previous plugin run is adopted, not remade
	if session, err := d.recoverSession(vol, mountPoint); err != nil {
		return nil, err
	} else if session != nil {
		d.live[vol.Name] = session
		log.Info("recovered session for mounted volume", "name", vol.Name, "path", mountPoint)
		return &volume.MountResponse{Mountpoint: mountPoint}, nil
	}

	if err := d.prepareMountPoint(mountPoint); err != nil {
		return nil, fmt.Errorf("prepare mount point: %w", err)
	}

	session, err := d.sessions.ForFormat(vol.Image, mountPoint, mount.Partition(vol.Partition), vol.Format)
	if err != nil {
		return nil, err
	}

	if err := session.Mount(); err != nil {
		// the session rolled itself back, the empty mount dir is ours
		if rmErr := os.Remove(mountPoint); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("could not remove mount point", "path", mountPoint, "error", rmErr)
		}
		return nil, err
	}

	d.live[vol.Name] = session
	log.Info("volume mounted", "name", vol.Name, "device", session.MappedDevicePath(), "path", mountPoint)
	return &volume.MountResponse{Mountpoint: mountPoint}, nil
}

// Unmount tears the volume's mount down. Unmounting a volume that is not
// mounted does nothing; a mount that survived a plugin restart is rebuilt
// from the mount table first, then torn down like any other.
func (d *Driver) Unmount(req *volume.UnmountRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.Debug("unmounting volume", "name", req.Name, "id", req.ID)

	vol, err := d.getVolume(req.Name)
	if err != nil {
		return err
	}

	if err := d.unmountVolume(vol); err != nil {
		return err
	}

	log.Info("volume unmounted", "name", vol.Name)
	return nil
}

// unmountVolume tears down the volume's session if one exists or can be
// recovered from the mount table. Callers hold the lock.
func (d *Driver) unmountVolume(vol *registry.Volume) error {
	mountPoint := d.mountPointPath(vol.Name)

	session := d.live[vol.Name]
	if session == nil {
		var err error
		if session, err = d.recoverSession(vol, mountPoint); err != nil {
			return err
		}
		if session == nil {
			log.Debug("volume not mounted", "name", vol.Name)
			return nil
		}
	}

	session.Unmount()
	delete(d.live, vol.Name)

	if err := os.Remove(mountPoint); err != nil && !os.IsNotExist(err) {
		log.Warn("could not remove mount point", "path", mountPoint, "error", err)
	}
	return nil
}

// recoverSession rebuilds a session for a volume that the mount table shows
// as mounted while no live session exists, which happens after a plugin
// restart. Returns nil when the volume is not mounted.
func (d *Driver) recoverSession(vol *registry.Volume, mountPoint string) (*mount.Session, error) {
	device, err := d.mounts.DeviceAt(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("check existing mount: %w", err)
	}
	if device == "" {
		return nil, nil
	}
	return d.sessions.ForDevice(vol.Image, mountPoint, mount.Partition(vol.Partition), device)
}

// Path returns the mount path for a mounted volume
func (d *Driver) Path(req *volume.PathRequest) (*volume.PathResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.Debug("getting path", "name", req.Name)

	vol, err := d.getVolume(req.Name)
	if err != nil {
		return nil, err
	}

	mountPoint, _, err := d.mountState(vol)
	if err != nil {
		return nil, err
	}
	if mountPoint == "" {
		return nil, fmt.Errorf("volume %s is not mounted", vol.Name)
	}

	return &volume.PathResponse{Mountpoint: mountPoint}, nil
}

// Get returns information about a volume, including filesystem usage while
// it is mounted
func (d *Driver) Get(req *volume.GetRequest) (*volume.GetResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.Debug("getting volume info", "name", req.Name)

	vol, err := d.getVolume(req.Name)
	if err != nil {
		return nil, err
	}

	mountPoint, device, err := d.mountState(vol)
	if err != nil {
		// non-fatal, report the volume as unmounted
		log.Warn("could not check mount status", "name", vol.Name, "error", err)
		mountPoint, device = "", ""
	}

	status := map[string]any{
		"image":   vol.Image,
		"format":  vol.Format,
		"size":    vol.SizeBytes,
		"adopted": vol.Adopted,
	}
	if vol.Filesystem != "" {
		status["fs"] = vol.Filesystem
	}
	if vol.Partition > 0 {
		status["partition"] = vol.Partition
	}
	if device != "" {
		status["device"] = device
	}
	if mountPoint != "" {
		if total, used, free, err := fsUsage(mountPoint); err == nil {
			status["total"] = total
			status["used"] = used
			status["free"] = free
		}
	}

	return &volume.GetResponse{
		Volume: &volume.Volume{
			Name:       vol.Name,
			Mountpoint: mountPoint,
			CreatedAt:  vol.CreatedAt.Format(time.RFC3339),
			Status:     status,
		},
	}, nil
}

// List returns all volumes
func (d *Driver) List() (*volume.ListResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.Debug("listing volumes")

	records, err := d.store.List()
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}

	// one mount table parse for the whole listing
	mounts, err := d.mounts.Entries()
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}

	var volumes []*volume.Volume
	for _, vol := range records {
		mountPoint := d.mountPointPath(vol.Name)
		current := ""
		if session := d.live[vol.Name]; session != nil && session.IsMounted() {
			current = mountPoint
		} else if mounts.IsMountPoint(mountPoint) {
			current = mountPoint
		}

		volumes = append(volumes, &volume.Volume{
			Name:       vol.Name,
			Mountpoint: current,
			CreatedAt:  vol.CreatedAt.Format(time.RFC3339),
		})
	}

	return &volume.ListResponse{Volumes: volumes}, nil
}

// Capabilities returns the driver capabilities
func (d *Driver) Capabilities() *volume.CapabilitiesResponse {
	return &volume.CapabilitiesResponse{
		Capabilities: volume.Capability{
			Scope: "local",
		},
	}
}

// RestoreSessions reconnects to mounts that survived a plugin restart. For
// every registered volume found in the mount table, a session is rebuilt
// around its device so later operations treat it like any other mount.
func (d *Driver) RestoreSessions() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, err := d.store.List()
	if err != nil {
		return fmt.Errorf("list volumes: %w", err)
	}
	mounts, err := d.mounts.Entries()
	if err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}

	for _, vol := range records {
		mountPoint := d.mountPointPath(vol.Name)
		device := mounts.DeviceAt(mountPoint)
		if device == "" {
			continue
		}

		session, err := d.sessions.ForDevice(vol.Image, mountPoint, mount.Partition(vol.Partition), device)
		if err != nil {
			log.Warn("could not restore session", "name", vol.Name, "device", device, "error", err)
			continue
		}

		d.live[vol.Name] = session
		log.Info("session restored", "name", vol.Name, "device", device, "path", mountPoint)
	}

	return nil
}

// getVolume loads a volume record, translating a registry miss into the
// error string the plugin protocol expects
func (d *Driver) getVolume(name string) (*registry.Volume, error) {
	vol, err := d.store.Get(name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("volume %s not found", name)
		}
		return nil, fmt.Errorf("get volume: %w", err)
	}
	return vol, nil
}

// mountState reports where the volume is mounted and through which device,
// both "" when it is not mounted. The live session answers when there is
// one; otherwise the mount table decides, so mounts from previous plugin
// runs are still seen.
func (d *Driver) mountState(vol *registry.Volume) (mountPoint, device string, err error) {
	mp := d.mountPointPath(vol.Name)

	if session := d.live[vol.Name]; session != nil && session.IsMounted() {
		return mp, session.MappedDevicePath(), nil
	}

	dev, err := d.mounts.DeviceAt(mp)
	if err != nil {
		return "", "", fmt.Errorf("check mount status: %w", err)
	}
	if dev == "" {
		return "", "", nil
	}
	return mp, dev, nil
}

// mountPointPath returns the mount point path for a volume
func (d *Driver) mountPointPath(name string) string {
	return filepath.Join(d.mountPath, name)
}

// prepareMountPoint prepares the mount point directory
func (d *Driver) prepareMountPoint(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("mount point %s exists but is not a directory", path)
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("read directory: %w", err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("mount point %s exists and is not empty", path)
		}

		// empty directory, recreate with proper permissions
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove existing directory: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat mount point: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}

	return nil
}

// fsUsage reports filesystem sizes for a mounted path
func fsUsage(path string) (total, used, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	bsize := uint64(st.Bsize)
	total = st.Blocks * bsize
	free = st.Bfree * bsize
	return total, total - free, free, nil
}
