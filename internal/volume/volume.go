// Package volume provisions per-sandbox ext4 filesystems backed by sparse
// image files and mounted through the loopback device (C2). Each sandbox
// gets an isolated, writable filesystem that is bind-mounted into its
// container and torn down when the sandbox is destroyed.
package volume

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/xctf-platform/sandboxd/internal/config"
)

// Manager creates, mounts, and tears down loopback-backed ext4 volumes.
type Manager struct {
	baseDir string
	imageMB int
}

// NewManager creates a volume manager rooted at cfg.VolumeBaseDir.
func NewManager(cfg *config.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.VolumeBaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create volume base dir: %w", err)
	}
	return &Manager{baseDir: cfg.VolumeBaseDir, imageMB: cfg.VolumeImageMB}, nil
}

// Volume is a provisioned, mounted filesystem ready to be bind-mounted into
// a sandbox container.
type Volume struct {
	// Key identifies the volume, usually "<challenge_id>" or
	// "<challenge_id>:<user_id>".
	Key string
	// ImagePath is the sparse file backing the filesystem.
	ImagePath string
	// MountPath is the directory the filesystem is mounted at.
	MountPath string
	// LoopDevice is the /dev/loopN device attached to ImagePath.
	LoopDevice string
}

func (m *Manager) paths(key string) (imagePath, mountPath string) {
	safe := strings.ReplaceAll(key, "/", "_")
	imagePath = filepath.Join(m.baseDir, safe+".img")
	mountPath = filepath.Join(m.baseDir, safe)
	return
}

// Provision creates (if needed) a sparse ext4 image for key, attaches it to
// a loop device, and mounts it. Provision is idempotent: calling it again
// for an already-mounted key returns the existing Volume without
// recreating the image.
func (m *Manager) Provision(ctx context.Context, key string) (*Volume, error) {
	imagePath, mountPath := m.paths(key)

	if mounted, loopDev := m.findMount(mountPath); mounted {
		return &Volume{Key: key, ImagePath: imagePath, MountPath: mountPath, LoopDevice: loopDev}, nil
	}

	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		if err := createSparseImage(imagePath, m.imageMB); err != nil {
			return nil, fmt.Errorf("create sparse image for %s: %w", key, err)
		}
		if err := formatExt4(ctx, imagePath); err != nil {
			os.Remove(imagePath)
			return nil, fmt.Errorf("format ext4 for %s: %w", key, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat image for %s: %w", key, err)
	}

	loopDev, err := attachLoop(ctx, imagePath)
	if err != nil {
		return nil, fmt.Errorf("attach loop device for %s: %w", key, err)
	}

	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		detachLoop(ctx, loopDev)
		return nil, fmt.Errorf("create mount point for %s: %w", key, err)
	}

	if err := unix.Mount(loopDev, mountPath, "ext4", 0, ""); err != nil {
		detachLoop(ctx, loopDev)
		return nil, fmt.Errorf("mount %s at %s: %w", loopDev, mountPath, err)
	}

	return &Volume{Key: key, ImagePath: imagePath, MountPath: mountPath, LoopDevice: loopDev}, nil
}

// Teardown unmounts and detaches the volume for key. It tolerates the
// volume already being unmounted or gone so cleanup jobs can run
// unconditionally.
func (m *Manager) Teardown(ctx context.Context, key string) error {
	_, mountPath := m.paths(key)

	mounted, loopDev := m.findMount(mountPath)
	if !mounted {
		return nil
	}

	if err := unix.Unmount(mountPath, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("unmount %s: %w", mountPath, err)
	}

	if loopDev != "" {
		if err := detachLoop(ctx, loopDev); err != nil {
			return fmt.Errorf("detach loop device %s: %w", loopDev, err)
		}
	}

	return nil
}

// Destroy tears the volume down and removes its backing image entirely,
// used when a sandbox is permanently deleted rather than recycled.
func (m *Manager) Destroy(ctx context.Context, key string) error {
	if err := m.Teardown(ctx, key); err != nil {
		return err
	}
	imagePath, mountPath := m.paths(key)
	os.Remove(imagePath)
	os.Remove(mountPath)
	return nil
}

// findMount reports whether mountPath is currently an active mount point by
// scanning /proc/self/mountinfo, returning the loop device backing it.
func (m *Manager) findMount(mountPath string) (mounted bool, loopDevice string) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return false, ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}
		// mountinfo: ... mount-point ... - fstype source ...
		if fields[4] != mountPath {
			continue
		}
		for i, f := range fields {
			if f == "-" && i+2 < len(fields) {
				return true, fields[i+2]
			}
		}
		return true, ""
	}
	return false, ""
}

func createSparseImage(path string, sizeMB int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(int64(sizeMB) * 1024 * 1024)
}

func formatExt4(ctx context.Context, imagePath string) error {
	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-q", "-F", imagePath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mkfs.ext4: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func attachLoop(ctx context.Context, imagePath string) (string, error) {
	out, err := exec.CommandContext(ctx, "losetup", "--show", "-f", imagePath).Output()
	if err != nil {
		return "", fmt.Errorf("losetup attach: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func detachLoop(ctx context.Context, loopDevice string) error {
	if loopDevice == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "losetup", "-d", loopDevice)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "No such device") {
			return nil
		}
		return fmt.Errorf("losetup detach: %w: %s", err, msg)
	}
	return nil
}
