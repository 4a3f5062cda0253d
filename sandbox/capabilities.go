// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"os/exec"
	"strings"
)

// usernsSysctl is the Debian-style switch for unprivileged user
// namespaces. Kernels without the patch do not expose it.
const usernsSysctl = "/proc/sys/kernel/unprivileged_userns_clone"

// Capabilities describes which sandbox features this host supports.
type Capabilities struct {
	// BwrapAvailable and BwrapPath report the bubblewrap binary;
	// BwrapVersion holds its --version output when it answers.
	BwrapAvailable bool
	BwrapPath      string
	BwrapVersion   string

	// UserNamespacesEnabled is true if an unprivileged user
	// namespace could actually be entered, not just if the sysctl
	// allows it.
	UserNamespacesEnabled bool

	// FuseOverlayfsAvailable and FuseOverlayfsPath report the
	// helper overlay mode mounts with.
	FuseOverlayfsAvailable bool
	FuseOverlayfsPath      string

	// Slirp4netnsAvailable is true if the outbound network modes
	// have their helper.
	Slirp4netnsAvailable bool

	// SystemdRunAvailable is true if systemd-run is installed;
	// SystemdUserScopesWork is true if it can open a user scope,
	// which resource limits need.
	SystemdRunAvailable   bool
	SystemdUserScopesWork bool
}

// DetectCapabilities probes the host, one concern at a time.
func DetectCapabilities() *Capabilities {
	var caps Capabilities
	caps.probeBwrap()
	caps.probeUserNamespaces()
	caps.probeHelpers()
	caps.probeSystemd()
	return &caps
}

func (c *Capabilities) probeBwrap() {
	path, err := BwrapPath()
	if err != nil {
		return
	}
	c.BwrapAvailable = true
	c.BwrapPath = path
	if out, err := exec.Command(path, "--version").Output(); err == nil {
		c.BwrapVersion = strings.TrimSpace(string(out))
	}
}

// probeUserNamespaces needs probeBwrap to have run: the only reliable
// test is entering a namespace, and bwrap is our tool for that.
func (c *Capabilities) probeUserNamespaces() {
	if !c.BwrapAvailable || usernsSysctlDisabled() {
		return
	}
	probe := exec.Command(c.BwrapPath,
		"--unshare-user",
		"--ro-bind", "/", "/",
		"--",
		"true",
	)
	c.UserNamespacesEnabled = probe.Run() == nil
}

// usernsSysctlDisabled reports an explicit "0" in the sysctl. An
// absent file means the kernel never restricts user namespaces.
func usernsSysctlDisabled() bool {
	data, err := os.ReadFile(usernsSysctl)
	return err == nil && strings.TrimSpace(string(data)) == "0"
}

func (c *Capabilities) probeHelpers() {
	if path, err := exec.LookPath("fuse-overlayfs"); err == nil {
		c.FuseOverlayfsAvailable = true
		c.FuseOverlayfsPath = path
	}
	_, err := exec.LookPath("slirp4netns")
	c.Slirp4netnsAvailable = err == nil
}

func (c *Capabilities) probeSystemd() {
	if _, err := exec.LookPath("systemd-run"); err != nil {
		return
	}
	c.SystemdRunAvailable = true
	scope := exec.Command("systemd-run", "--user", "--scope", "--", "true")
	c.SystemdUserScopesWork = scope.Run() == nil
}

// CanRunSandbox returns true if basic sandbox execution is possible.
func (c *Capabilities) CanRunSandbox() bool {
	return c.BwrapAvailable && c.UserNamespacesEnabled
}

// SkipReason returns a human-readable reason why sandboxing isn't
// available, or empty string if it is.
func (c *Capabilities) SkipReason() string {
	switch {
	case !c.BwrapAvailable:
		return "bubblewrap not installed"
	case !c.UserNamespacesEnabled:
		return "unprivileged user namespaces not enabled (set kernel.unprivileged_userns_clone=1)"
	}
	return ""
}
