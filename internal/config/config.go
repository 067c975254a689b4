package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kriansa/podman-volume-diskimage/internal/validation"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/containers/podman-volume-diskimage.conf"
	// DefaultSocketPath is the default Unix socket path for Podman
	DefaultSocketPath = "/run/podman/plugins/volume-diskimage.sock"
	// DefaultMountPath is the default base directory for mounting volumes
	DefaultMountPath = "/mnt"
	// DefaultDataDir is the default directory for image files and the registry
	DefaultDataDir = "/var/lib/podman-volume-diskimage"
	// DefaultLoopAttach is the default strategy for attaching raw images
	DefaultLoopAttach = "cli"
	// DefaultNBDWaitSeconds bounds how long an NBD attach waits for the device
	DefaultNBDWaitSeconds = 5
	// DefaultFormat is the image format for new volumes
	DefaultFormat = "raw"
	// DefaultFilesystem is the filesystem created on new volumes
	DefaultFilesystem = "ext4"
	// DefaultSize is the virtual size of new volumes
	DefaultSize = "1GiB"
)

// Config holds the plugin configuration
type Config struct {
	// MountPath is the base directory for mounting volumes
	MountPath string `toml:"mount_path"`
	// SocketPath is the Unix socket path for the plugin
	SocketPath string `toml:"socket"`
	// DataDir holds the volume registry and the managed image files
	DataDir string `toml:"data_dir"`
	// LoopAttach selects how raw images are attached: "cli" (losetup) or
	// "dbus" (UDisks2)
	LoopAttach string `toml:"loop_attach"`
	// LoopPartscan asks the kernel to create partition nodes on attach
	LoopPartscan bool `toml:"loop_partscan"`
	// NBDWaitSeconds bounds how long to wait for an NBD device to connect
	NBDWaitSeconds int `toml:"nbd_wait_seconds"`
	// DefaultFormat is the image format for volumes created without one
	DefaultFormat string `toml:"default_format"`
	// DefaultFilesystem is the filesystem for volumes created without one
	DefaultFilesystem string `toml:"default_fs"`
	// DefaultSize is the virtual size for volumes created without one
	DefaultSize string `toml:"default_size"`
	// MaxVolumes caps how many volumes may exist, 0 for no limit
	MaxVolumes int `toml:"max_volumes"`
	// MaxTotalSize caps the summed virtual size of all volumes, empty for
	// no limit
	MaxTotalSize string `toml:"max_total_size"`
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values. Empty CLI values are ignored.
func (c *Config) Merge(mountPath, socketPath, dataDir, loopAttach string) {
	if mountPath != "" {
		c.MountPath = mountPath
	}
	if socketPath != "" {
		c.SocketPath = socketPath
	}
	if dataDir != "" {
		c.DataDir = dataDir
	}
	if loopAttach != "" {
		c.LoopAttach = loopAttach
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.MountPath == "" {
		c.MountPath = DefaultMountPath
	}
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LoopAttach == "" {
		c.LoopAttach = DefaultLoopAttach
	}
	if c.NBDWaitSeconds == 0 {
		c.NBDWaitSeconds = DefaultNBDWaitSeconds
	}
	if c.DefaultFormat == "" {
		c.DefaultFormat = DefaultFormat
	}
	if c.DefaultFilesystem == "" {
		c.DefaultFilesystem = DefaultFilesystem
	}
	if c.DefaultSize == "" {
		c.DefaultSize = DefaultSize
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.LoopAttach != "cli" && c.LoopAttach != "dbus" {
		return fmt.Errorf("loop_attach must be 'cli' or 'dbus', got %q", c.LoopAttach)
	}

	if c.NBDWaitSeconds < 1 {
		return fmt.Errorf("nbd_wait_seconds must be at least 1, got %d", c.NBDWaitSeconds)
	}

	if err := validation.ValidateFormat(c.DefaultFormat); err != nil {
		return fmt.Errorf("default_format: %w", err)
	}

	if err := validation.ValidateFilesystem(c.DefaultFilesystem); err != nil {
		return fmt.Errorf("default_fs: %w", err)
	}

	if size, err := validation.ParseSize(c.DefaultSize); err != nil {
		return fmt.Errorf("default_size: %w", err)
	} else if size == 0 {
		return fmt.Errorf("default_size must not be zero")
	}

	if c.MaxVolumes < 0 {
		return fmt.Errorf("max_volumes must not be negative, got %d", c.MaxVolumes)
	}

	if c.MaxTotalSize != "" {
		if _, err := validation.ParseSize(c.MaxTotalSize); err != nil {
			return fmt.Errorf("max_total_size: %w", err)
		}
	}

	return nil
}
