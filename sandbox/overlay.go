// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// fuseSuperMagic is the statfs f_type of a mounted FUSE filesystem.
const fuseSuperMagic = 0x65735546

// OverlayManager mounts fuse-overlayfs combining the read-only cached
// rootfs (lower layer) with a writable upper layer, giving the sandbox
// a writable root without touching the shared cache entry.
//
// fuse-overlayfs runs as an unprivileged helper process; the mount
// exists from Mount until Unmount (or until the helper dies). One
// manager drives one mount.
type OverlayManager struct {
	fuseBin       string
	fusermountBin string
	logger        *slog.Logger

	mountPoint string
	mounted    bool
}

// newOverlayManager locates the fuse-overlayfs and fusermount
// binaries. Failing here keeps a missing helper from surfacing later
// as a confusing mount error.
func newOverlayManager(logger *slog.Logger) (*OverlayManager, error) {
	fuseBin, err := exec.LookPath("fuse-overlayfs")
	if err != nil {
		return nil, fmt.Errorf("fuse-overlayfs not found: %w", err)
	}
	fusermountBin, err := exec.LookPath("fusermount")
	if err != nil {
		fusermountBin, err = exec.LookPath("fusermount3")
		if err != nil {
			return nil, fmt.Errorf("fusermount/fusermount3 not found: %w", err)
		}
	}
	return &OverlayManager{
		fuseBin:       fuseBin,
		fusermountBin: fusermountBin,
		logger:        logger,
	}, nil
}

// validateOverlayPath checks that a path is safe for use in
// fuse-overlayfs options. Options are comma-separated, so a path
// containing a comma could inject additional options (for example
// "lowerdir=/tmp,upperdir=/etc" would redirect upperdir to /etc).
func validateOverlayPath(path, fieldName string) error {
	if strings.Contains(path, ",") {
		return fmt.Errorf("%s path %q contains a comma, which would corrupt fuse-overlayfs options", fieldName, path)
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return fmt.Errorf("%s path %q contains invalid characters (null or newline)", fieldName, path)
	}
	return nil
}

// Mount mounts lower+upper at mountPoint and waits until the FUSE
// filesystem is observable. All four directories must already exist.
func (m *OverlayManager) Mount(lower, upper, work, mountPoint string) error {
	for _, p := range []struct{ path, name string }{
		{lower, "lower"}, {upper, "upper"}, {work, "work"}, {mountPoint, "mountpoint"},
	} {
		if err := validateOverlayPath(p.path, p.name); err != nil {
			return err
		}
	}

	cmd := exec.Command(m.fuseBin,
		"-o", fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work),
		mountPoint,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("fuse-overlayfs failed: %w\noutput: %s", err, output)
	}

	// fuse-overlayfs daemonizes before the mount is registered;
	// binding the mount point into the sandbox too early would bind
	// the empty directory underneath.
	if err := m.waitForMount(mountPoint); err != nil {
		unmount := exec.Command(m.fusermountBin, "-u", mountPoint)
		unmount.Run()
		return err
	}

	m.mountPoint = mountPoint
	m.mounted = true
	m.logger.Debug("overlay mounted", "lower", lower, "upper", upper, "mountpoint", mountPoint)
	return nil
}

// Mounted reports whether the manager currently holds a mount.
func (m *OverlayManager) Mounted() bool {
	return m.mounted
}

// Unmount unmounts the overlay, retrying briefly and falling back to
// a lazy unmount for mount points still held open by exiting
// processes. Idempotent.
func (m *OverlayManager) Unmount() error {
	if !m.mounted {
		return nil
	}
	m.mounted = false

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		cmd := exec.Command(m.fusermountBin, "-u", m.mountPoint)
		output, err := cmd.CombinedOutput()
		if err == nil {
			m.logger.Debug("overlay unmounted", "mountpoint", m.mountPoint)
			return nil
		}
		lastErr = fmt.Errorf("fusermount -u %s: %w\noutput: %s", m.mountPoint, err, output)
		time.Sleep(100 * time.Millisecond)
	}

	cmd := exec.Command(m.fusermountBin, "-u", "-z", m.mountPoint)
	if err := cmd.Run(); err == nil {
		m.logger.Warn("overlay unmounted lazily", "mountpoint", m.mountPoint)
		return nil
	}
	return fmt.Errorf("unmounting overlay: %w", lastErr)
}

// waitForMount polls statfs until the mount point reports the FUSE
// filesystem magic, bounded at one second.
func (m *OverlayManager) waitForMount(path string) error {
	const (
		maxAttempts   = 50
		sleepInterval = 20 * time.Millisecond
	)
	for i := 0; i < maxAttempts; i++ {
		var stat unix.Statfs_t
		if err := unix.Statfs(path, &stat); err == nil && stat.Type == fuseSuperMagic {
			return nil
		}
		time.Sleep(sleepInterval)
	}
	return fmt.Errorf("timeout waiting for FUSE mount at %s (waited %v)", path, maxAttempts*sleepInterval)
}
