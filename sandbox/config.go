// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// NetworkMode selects the network policy for a sandbox.
type NetworkMode string

const (
	// NetworkDisabled disables network ISOLATION: the sandbox shares
	// the host's network namespace. Outbound traffic and the host's
	// loopback are both reachable.
	NetworkDisabled NetworkMode = "disabled"

	// NetworkIsolated gives the sandbox a fresh, empty network
	// namespace. Only its own loopback is reachable. This is the
	// default.
	NetworkIsolated NetworkMode = "isolated"

	// NetworkOutbound gives the sandbox a fresh namespace bridged to
	// the host by a slirp4netns userspace transport. Outbound traffic
	// works; the host's loopback is blocked.
	NetworkOutbound NetworkMode = "outbound"

	// NetworkOutboundHostLoopback is NetworkOutbound with the host's
	// loopback mapped into the sandbox (slirp4netns gateway address).
	NetworkOutboundHostLoopback NetworkMode = "outbound-host-loopback"
)

// ParseNetworkMode converts a mode string from a flag or preset. The
// empty string parses as NetworkIsolated.
func ParseNetworkMode(s string) (NetworkMode, error) {
	switch NetworkMode(s) {
	case "":
		return NetworkIsolated, nil
	case NetworkDisabled, NetworkIsolated, NetworkOutbound, NetworkOutboundHostLoopback:
		return NetworkMode(s), nil
	}
	return "", fmt.Errorf("unknown network mode %q (want disabled, isolated, outbound, or outbound-host-loopback)", s)
}

// outboundMode reports whether the mode needs slirp4netns helpers.
func (m NetworkMode) outboundMode() bool {
	return m == NetworkOutbound || m == NetworkOutboundHostLoopback
}

// Config holds the configuration for creating a Sandbox.
type Config struct {
	// Rootfs is the path to the rootfs archive (tar, optionally
	// compressed; the format is sniffed from content). Required.
	Rootfs string

	// RootfsDir extracts the rootfs into this explicit directory
	// instead of the content-addressed cache. Required when
	// MutableRootfs is set.
	RootfsDir string

	// WorkDir is a caller-provided session directory mounted at the
	// sandbox user's home. It is created if missing and never deleted
	// by the engine. Empty means a unique engine-allocated directory
	// that is removed on Close.
	WorkDir string

	// User is the name the sandboxed user sees (home directory,
	// USER). Default "sandbox".
	User string

	// MutableRootfs bind-mounts the extracted rootfs read-write.
	// Other sandboxes sharing the same RootfsDir will observe the
	// writes, so an explicit RootfsDir is required.
	MutableRootfs bool

	// Network is the network policy. Empty means NetworkIsolated.
	Network NetworkMode

	// Overlay interposes a fuse-overlayfs copy-on-write layer over
	// the cached rootfs, so the sandbox sees a writable root without
	// MutableRootfs sharing hazards.
	Overlay bool

	// OverlayPath is a caller-provided upper directory for the
	// overlay. It survives Close, making rootfs modifications
	// resumable. Implies Overlay.
	OverlayPath string

	// PersistOverlay leaves the overlay mounted at Close. Requires
	// OverlayPath.
	PersistOverlay bool

	// DefaultTimeout bounds Wait and Communicate on processes started
	// in this sandbox when the call does not supply its own. Zero
	// means no default timeout.
	DefaultTimeout time.Duration

	// GracePeriod is how long terminated processes get between
	// SIGTERM and SIGKILL. Zero means one second.
	GracePeriod time.Duration

	// Shell interprets Run's command strings. Default "/bin/sh".
	Shell string

	// Env is extra environment for sandboxed processes, applied after
	// the curated allowlist.
	Env map[string]string

	// Resources are optional cgroup v2 limits applied by wrapping
	// the sandbox in a systemd transient scope when systemd-run is
	// available.
	Resources ResourceConfig

	// CacheRoot overrides the rootfs cache location. Empty means the
	// per-user default.
	CacheRoot string

	// Logger for sandbox operations. Nil means slog.Default().
	Logger *slog.Logger
}

// Lifecycle errors: ErrNotOpen is returned for operations on a sandbox
// that has not been opened, ErrClosed for one that is closing or closed.
var (
	ErrNotOpen = errors.New("sandbox is not open")
	ErrClosed  = errors.New("sandbox is closed")
)

// validate checks internal consistency first, then host prerequisites,
// so configuration mistakes surface even on hosts without the tools.
func (c *Config) validate() error {
	if c.Rootfs == "" {
		return fmt.Errorf("rootfs archive path is required")
	}
	if c.MutableRootfs && c.RootfsDir == "" {
		return fmt.Errorf("mutable rootfs requires an explicit rootfs directory: " +
			"writes would corrupt the shared cache entry")
	}
	if c.PersistOverlay && c.OverlayPath == "" {
		return fmt.Errorf("persist-overlay requires an explicit overlay path: " +
			"an engine-allocated upper directory would be deleted on close")
	}
	if c.MutableRootfs && c.overlayEnabled() {
		return fmt.Errorf("mutable rootfs and overlay are mutually exclusive")
	}

	if _, err := BwrapPath(); err != nil {
		return fmt.Errorf("bubblewrap is required: %w", err)
	}
	if c.overlayEnabled() {
		if _, err := exec.LookPath("fuse-overlayfs"); err != nil {
			return fmt.Errorf("overlay requires fuse-overlayfs: %w", err)
		}
	}
	if c.Network.outboundMode() {
		if _, err := exec.LookPath("slirp4netns"); err != nil {
			return fmt.Errorf("network mode %q requires slirp4netns: %w", c.Network, err)
		}
	}
	return nil
}

func (c *Config) overlayEnabled() bool {
	return c.Overlay || c.OverlayPath != ""
}

func (c *Config) user() string {
	if c.User == "" {
		return "sandbox"
	}
	return c.User
}

func (c *Config) shell() string {
	if c.Shell == "" {
		return "/bin/sh"
	}
	return c.Shell
}

func (c *Config) homeDir() string {
	if c.user() == "root" {
		return "/root"
	}
	return "/home/" + c.user()
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// BwrapPath returns the path to the bwrap executable.
func BwrapPath() (string, error) {
	if path, err := exec.LookPath("bwrap"); err == nil {
		return path, nil
	}
	// PATH may be stripped (systemd units, CI); fall back to the
	// usual install locations.
	for _, path := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("bwrap not found in PATH or standard locations")
}
