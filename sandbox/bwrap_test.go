// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"slices"
	"strings"
	"testing"
)

func buildArgs(t *testing.T, opts *BwrapOptions) []string {
	t.Helper()
	args, err := NewBwrapBuilder().Build(opts)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return args
}

func TestBwrapBuilder(t *testing.T) {
	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("TERM", "xterm-256color")

	args := buildArgs(t, &BwrapOptions{
		RootfsDir:  "/cache/rootfs-abc",
		SessionDir: "/tmp/session",
		TmpDir:     "/tmp/sandbox-tmp",
		Network:    NetworkIsolated,
		Command:    "echo hello",
	})

	argStr := strings.Join(args, " ")

	// Root bind comes first so later binds land inside it.
	if args[0] != "--ro-bind" || args[1] != "/cache/rootfs-abc" || args[2] != "/" {
		t.Errorf("expected rootfs ro-bind first, got %v", args[:3])
	}

	if !strings.Contains(argStr, "--bind /tmp/session /home/sandbox") {
		t.Error("missing session bind at home")
	}
	if !strings.Contains(argStr, "--bind /tmp/sandbox-tmp /tmp") {
		t.Error("missing /tmp bind")
	}

	// /dev and /proc must come after the root bind.
	rootIdx := slices.Index(args, "--ro-bind")
	devIdx := slices.Index(args, "--dev")
	procIdx := slices.Index(args, "--proc")
	if devIdx < rootIdx || procIdx < rootIdx {
		t.Error("--dev/--proc must come after the root bind")
	}

	// Namespaces.
	for _, flag := range []string{"--unshare-pid", "--unshare-ipc", "--unshare-uts", "--unshare-user", "--unshare-net"} {
		if !strings.Contains(argStr, flag) {
			t.Errorf("missing %s", flag)
		}
	}
	if !strings.Contains(argStr, "--uid 1000") {
		t.Error("missing --uid 1000")
	}

	// Session and environment hygiene.
	for _, flag := range []string{"--hostname sandbox", "--new-session", "--die-with-parent", "--clearenv"} {
		if !strings.Contains(argStr, flag) {
			t.Errorf("missing %s", flag)
		}
	}
	if !strings.Contains(argStr, "--chdir /home/sandbox") {
		t.Error("missing --chdir to home")
	}
	if !strings.Contains(argStr, "--setenv HOME /home/sandbox") {
		t.Error("missing HOME")
	}
	if !strings.Contains(argStr, "--setenv USER sandbox") {
		t.Error("missing USER")
	}
	if !strings.Contains(argStr, "--setenv PATH /usr/bin:/bin") {
		t.Error("host PATH not forwarded")
	}
	if !strings.Contains(argStr, "--setenv TERM xterm-256color") {
		t.Error("host TERM not forwarded")
	}

	// Command is the final element, behind the separator.
	n := len(args)
	if args[n-4] != "--" || args[n-3] != "/bin/sh" || args[n-2] != "-c" || args[n-1] != "echo hello" {
		t.Errorf("expected trailing -- /bin/sh -c <command>, got %v", args[n-4:])
	}
}

func TestBwrapBuilderPathFallback(t *testing.T) {
	t.Setenv("PATH", "")

	args := buildArgs(t, &BwrapOptions{
		RootfsDir:  "/cache/rootfs",
		SessionDir: "/tmp/session",
		Command:    "true",
	})
	if !strings.Contains(strings.Join(args, " "), "--setenv PATH "+defaultSandboxPath) {
		t.Error("expected fallback PATH when the host has none")
	}
}

func TestBwrapBuilderRootUser(t *testing.T) {
	args := buildArgs(t, &BwrapOptions{
		RootfsDir:  "/cache/rootfs",
		SessionDir: "/tmp/session",
		User:       "root",
		Command:    "true",
	})

	argStr := strings.Join(args, " ")
	if !strings.Contains(argStr, "--bind /tmp/session /root") {
		t.Error("root user should home at /root")
	}
	if !strings.Contains(argStr, "--chdir /root") {
		t.Error("missing --chdir /root")
	}
	if strings.Contains(argStr, "/home/root") {
		t.Error("root must not home under /home")
	}
}

func TestBwrapBuilderMutableRootfs(t *testing.T) {
	args := buildArgs(t, &BwrapOptions{
		RootfsDir:     "/explicit/rootfs",
		MutableRootfs: true,
		SessionDir:    "/tmp/session",
		Command:       "true",
	})
	if args[0] != "--bind" {
		t.Errorf("mutable rootfs should use --bind, got %q", args[0])
	}
}

func TestBwrapBuilderNetworkModes(t *testing.T) {
	base := func() *BwrapOptions {
		return &BwrapOptions{
			RootfsDir:  "/cache/rootfs",
			SessionDir: "/tmp/session",
			Command:    "true",
		}
	}

	t.Run("disabled shares host namespace", func(t *testing.T) {
		opts := base()
		opts.Network = NetworkDisabled
		argStr := strings.Join(buildArgs(t, opts), " ")
		if !strings.Contains(argStr, "--share-net") {
			t.Error("missing --share-net")
		}
		if strings.Contains(argStr, "--unshare-net") {
			t.Error("unexpected --unshare-net")
		}
	})

	t.Run("isolated unshares", func(t *testing.T) {
		opts := base()
		opts.Network = NetworkIsolated
		argStr := strings.Join(buildArgs(t, opts), " ")
		if !strings.Contains(argStr, "--unshare-net") {
			t.Error("missing --unshare-net")
		}
	})

	t.Run("outbound carries provisioner args", func(t *testing.T) {
		opts := base()
		opts.Network = NetworkOutbound
		opts.NetworkArgs = []string{
			"--ro-bind", "/tmp/hosts", "/etc/hosts",
			"--ro-bind", "/tmp/resolv", "/etc/resolv.conf",
			"--share-net",
			"--cap-add", "CAP_NET_RAW",
		}
		argStr := strings.Join(buildArgs(t, opts), " ")
		if strings.Contains(argStr, "--unshare-net") {
			t.Error("outbound mode must not unshare bwrap's network namespace")
		}
		if !strings.Contains(argStr, "--ro-bind /tmp/hosts /etc/hosts") {
			t.Error("missing hosts bind from provisioner")
		}
		if !strings.Contains(argStr, "--cap-add CAP_NET_RAW") {
			t.Error("missing CAP_NET_RAW")
		}
	})
}

func TestBwrapBuilderEnvOverrides(t *testing.T) {
	args := buildArgs(t, &BwrapOptions{
		RootfsDir:  "/cache/rootfs",
		SessionDir: "/tmp/session",
		Env: map[string]string{
			"HOME":   "/custom-home",
			"EXTRA":  "value",
			"MYFLAG": "1",
		},
		Command: "true",
	})

	argStr := strings.Join(args, " ")
	if !strings.Contains(argStr, "--setenv HOME /custom-home") {
		t.Error("caller env should override HOME")
	}
	if !strings.Contains(argStr, "--setenv EXTRA value") {
		t.Error("missing EXTRA")
	}

	// setenv keys must be sorted for deterministic vectors.
	var keys []string
	for i, arg := range args {
		if arg == "--setenv" {
			keys = append(keys, args[i+1])
		}
	}
	if !slices.IsSorted(keys) {
		t.Errorf("setenv keys not sorted: %v", keys)
	}
}

func TestBwrapBuilderValidation(t *testing.T) {
	builder := NewBwrapBuilder()

	if _, err := builder.Build(&BwrapOptions{SessionDir: "/s", Command: "true"}); err == nil {
		t.Error("expected error for missing rootfs directory")
	}
	if _, err := builder.Build(&BwrapOptions{RootfsDir: "/r", Command: "true"}); err == nil {
		t.Error("expected error for missing session directory")
	}
	if _, err := builder.Build(&BwrapOptions{RootfsDir: "/r", SessionDir: "/s"}); err == nil {
		t.Error("expected error for missing command")
	}
}

func TestBwrapBuilderCustomShell(t *testing.T) {
	args := buildArgs(t, &BwrapOptions{
		RootfsDir:  "/cache/rootfs",
		SessionDir: "/tmp/session",
		Shell:      "/bin/bash",
		Command:    "echo hi",
	})
	n := len(args)
	if args[n-3] != "/bin/bash" {
		t.Errorf("expected custom shell, got %q", args[n-3])
	}
}
