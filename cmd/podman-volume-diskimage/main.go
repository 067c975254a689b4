package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-plugins-helpers/volume"
	"github.com/urfave/cli/v3"

	"github.com/kriansa/podman-volume-diskimage/internal/cmdexec"
	"github.com/kriansa/podman-volume-diskimage/internal/config"
	"github.com/kriansa/podman-volume-diskimage/internal/driver"
	"github.com/kriansa/podman-volume-diskimage/internal/image"
	"github.com/kriansa/podman-volume-diskimage/internal/log"
	"github.com/kriansa/podman-volume-diskimage/internal/mount"
	"github.com/kriansa/podman-volume-diskimage/internal/procmounts"
	"github.com/kriansa/podman-volume-diskimage/internal/registry"
	"github.com/kriansa/podman-volume-diskimage/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:  "podman-volume-diskimage",
		Usage: "A volume plugin that mounts disk image files",
		Flags: []cli.Flag{
			// Config-mirroring flags carry no Value so an unset flag does
			// not shadow the config file; defaults land in ApplyDefaults.
			&cli.StringFlag{
				Name:    "mount-path",
				Aliases: []string{"m"},
				Usage:   "Base directory for mounting volumes (default: " + config.DefaultMountPath + ")",
			},
			&cli.StringFlag{
				Name:    "socket",
				Aliases: []string{"s"},
				Usage:   "Unix socket path for the plugin (default: " + config.DefaultSocketPath + ")",
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "Directory for the volume registry and created images (default: " + config.DefaultDataDir + ")",
			},
			&cli.StringFlag{
				Name:    "loop-attach",
				Aliases: []string{"b"},
				Usage:   "How raw images get attached: cli or dbus (default: " + config.DefaultLoopAttach + ")",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	// Handle version flag
	if cmd.Bool("version") {
		fmt.Println(version.String())
		return nil
	}

	// Setup logging
	log.Setup(cmd.Bool("verbose"))

	// Load config file
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Merge CLI flags (CLI takes precedence)
	cfg.Merge(
		cmd.String("mount-path"),
		cmd.String("socket"),
		cmd.String("data-dir"),
		cmd.String("loop-attach"),
	)

	// Apply defaults
	cfg.ApplyDefaults()

	// Validate config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info("starting volume plugin",
		"mount_path", cfg.MountPath,
		"socket", cfg.SocketPath,
		"data_dir", cfg.DataDir,
		"loop_attach", cfg.LoopAttach,
	)

	// Ensure working directories exist
	if err := os.MkdirAll(cfg.MountPath, 0755); err != nil {
		return fmt.Errorf("create mount path: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Open the volume registry
	store, err := registry.NewBoltStore(filepath.Join(cfg.DataDir, "registry.db"))
	if err != nil {
		return fmt.Errorf("open volume registry: %w", err)
	}
	defer store.Close()

	// Create components
	runner := cmdexec.New()
	images := image.NewQemuImgManager(runner)
	factory, err := mount.NewFactory(runner, cfg.LoopAttach, cfg.LoopPartscan,
		time.Duration(cfg.NBDWaitSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("create session factory: %w", err)
	}
	defer factory.Close()

	// Create driver
	d, err := driver.NewDriver(cfg, store, images, factory, runner, &procmounts.Resolver{})
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}

	// Reconnect to volumes that stayed mounted across a restart
	if err := d.RestoreSessions(); err != nil {
		log.Warn("could not restore mount sessions", "error", err)
	}

	// Create handler
	h := volume.NewHandler(d)

	// Ensure socket directory exists
	socketDir := filepath.Dir(cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove existing socket if present (stale from previous run)
	if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	// Clean up socket on exit
	defer func() {
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove socket on shutdown", "path", cfg.SocketPath, "error", err)
		}
	}()

	log.Info("listening on socket", "path", cfg.SocketPath)
	return h.ServeUnix(cfg.SocketPath, 0)
}
