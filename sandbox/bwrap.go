// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"sort"
)

// BwrapOptions holds everything needed to assemble one bwrap
// invocation.
type BwrapOptions struct {
	// RootfsDir is the extracted rootfs (or the overlay's merged
	// directory) bind-mounted at /.
	RootfsDir string

	// MutableRootfs mounts the rootfs read-write.
	MutableRootfs bool

	// SessionDir is bind-mounted at the sandbox user's home and
	// becomes the working directory.
	SessionDir string

	// TmpDir is bind-mounted at /tmp.
	TmpDir string

	// User names the sandboxed user. "root" homes at /root, everyone
	// else at /home/<user>.
	User string

	// Network selects the namespace policy. For outbound modes
	// NetworkArgs and WrapCommand carry the helper-provided pieces.
	Network NetworkMode

	// NetworkArgs are extra arguments contributed by the network
	// provisioner (hosts/resolver binds, --share-net, capabilities).
	NetworkArgs []string

	// Env is the sandboxed process environment, applied after the
	// curated host allowlist and the home/user overrides.
	Env map[string]string

	// Shell interprets Command.
	Shell string

	// Command is the shell command line to run.
	Command string
}

// allowedHostEnv is the curated set of host variables forwarded into
// the sandbox. Everything else is dropped by --clearenv.
var allowedHostEnv = []string{"PATH", "TERM", "LANG"}

// defaultSandboxPath seeds PATH when the host has none to forward.
const defaultSandboxPath = "/usr/local/bin:/usr/bin:/bin:/sbin"

// BwrapBuilder assembles bubblewrap command-line arguments.
type BwrapBuilder struct {
	args []string
	env  map[string]string
}

// NewBwrapBuilder creates a new builder.
func NewBwrapBuilder() *BwrapBuilder {
	return &BwrapBuilder{env: make(map[string]string)}
}

// Build constructs the full bwrap argument vector (not including the
// bwrap executable itself).
func (b *BwrapBuilder) Build(opts *BwrapOptions) ([]string, error) {
	if opts.RootfsDir == "" {
		return nil, fmt.Errorf("rootfs directory is required")
	}
	if opts.SessionDir == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	if opts.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	b.args = []string{}
	b.env = make(map[string]string)

	user := opts.User
	if user == "" {
		user = "sandbox"
	}
	home := "/home/" + user
	if user == "root" {
		home = "/root"
	}
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	// Root first: later binds land inside it.
	rootBind := "--ro-bind"
	if opts.MutableRootfs {
		rootBind = "--bind"
	}
	b.args = append(b.args, rootBind, opts.RootfsDir, "/")

	b.args = append(b.args, "--bind", opts.SessionDir, home)
	if opts.TmpDir != "" {
		// A bind mount rather than --tmpfs so /tmp persists across
		// processes of the same sandbox.
		b.args = append(b.args, "--bind", opts.TmpDir, "/tmp")
	}

	// Fresh /dev and /proc must come after the root bind or the
	// rootfs would shadow them.
	b.args = append(b.args, "--dev", "/dev", "--proc", "/proc")

	b.addNamespaces(opts.Network)
	b.args = append(b.args, opts.NetworkArgs...)

	b.args = append(b.args,
		"--hostname", "sandbox",
		"--chdir", home,
		"--new-session",
		"--die-with-parent",
	)

	b.args = append(b.args, "--clearenv")
	for _, key := range allowedHostEnv {
		if value := os.Getenv(key); value != "" {
			b.env[key] = value
		}
	}
	if b.env["PATH"] == "" {
		b.env["PATH"] = defaultSandboxPath
	}
	b.env["HOME"] = home
	b.env["USER"] = user
	b.env["PWD"] = home
	for key, value := range opts.Env {
		b.env[key] = value
	}

	// Sorted for deterministic argument vectors.
	keys := make([]string, 0, len(b.env))
	for key := range b.env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.args = append(b.args, "--setenv", key, b.env[key])
	}

	b.args = append(b.args, "--", shell, "-c", opts.Command)
	return b.args, nil
}

// addNamespaces emits the namespace flags. PID, IPC, UTS, and user
// namespaces are always unshared; the network namespace follows the
// mode. Outbound modes share bwrap's view because the real isolation
// is the joined slirp4netns namespace around it.
func (b *BwrapBuilder) addNamespaces(mode NetworkMode) {
	b.args = append(b.args,
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--unshare-user",
		"--uid", "1000",
	)
	switch mode {
	case NetworkIsolated, "":
		b.args = append(b.args, "--unshare-net")
	case NetworkDisabled:
		b.args = append(b.args, "--share-net")
	}
	// Outbound modes: the network provisioner's args carry
	// --share-net alongside its binds.
}

// buildBwrapCommand assembles the complete host argv: optional
// nsenter wrapper, bwrap executable, then the built arguments.
func buildBwrapCommand(opts *BwrapOptions, network *Network) ([]string, error) {
	args, err := NewBwrapBuilder().Build(opts)
	if err != nil {
		return nil, err
	}
	bwrapPath, err := BwrapPath()
	if err != nil {
		return nil, err
	}
	argv := append([]string{bwrapPath}, args...)
	if network != nil {
		argv = network.WrapCommand(argv)
	}
	return argv, nil
}
