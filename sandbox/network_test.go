// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"testing"
)

func TestProvisionNetworkHelperlessModes(t *testing.T) {
	t.Parallel()

	for _, mode := range []NetworkMode{NetworkDisabled, NetworkIsolated} {
		n, err := provisionNetwork(context.Background(), mode, slog.Default())
		if err != nil {
			t.Errorf("provisionNetwork(%q) failed: %v", mode, err)
		}
		if n != nil {
			t.Errorf("provisionNetwork(%q) should return no helpers", mode)
		}
	}
}

func TestNetworkBwrapArgs(t *testing.T) {
	t.Parallel()

	n := &Network{
		mode:       NetworkOutbound,
		hostsPath:  "/tmp/hosts-x",
		resolvPath: "/tmp/resolv-x",
	}

	args := n.BwrapArgs()
	argStr := strings.Join(args, " ")

	if !strings.Contains(argStr, "--ro-bind /tmp/hosts-x /etc/hosts") {
		t.Error("missing hosts bind")
	}
	if !strings.Contains(argStr, "--ro-bind /tmp/resolv-x /etc/resolv.conf") {
		t.Error("missing resolv.conf bind")
	}
	if !slices.Contains(args, "--share-net") {
		t.Error("missing --share-net")
	}
	if !strings.Contains(argStr, "--cap-add CAP_NET_RAW") {
		t.Error("missing CAP_NET_RAW")
	}
}

func TestNetworkWrapCommand(t *testing.T) {
	t.Parallel()

	n := &Network{
		mode:     NetworkOutbound,
		watchdog: &exec.Cmd{Process: &os.Process{Pid: 4242}},
	}

	wrapped := n.WrapCommand([]string{"/usr/bin/bwrap", "--ro-bind", "/", "/"})
	if wrapped[0] != "nsenter" {
		t.Fatalf("expected nsenter prefix, got %q", wrapped[0])
	}

	argStr := strings.Join(wrapped, " ")
	if !strings.Contains(argStr, "--user=/proc/4242/ns/user") {
		t.Error("missing user namespace reference")
	}
	if !strings.Contains(argStr, "--net=/proc/4242/ns/net") {
		t.Error("missing net namespace reference")
	}
	if !slices.Contains(wrapped, "--preserve-credentials") {
		t.Error("missing --preserve-credentials")
	}

	// The original argv follows the separator untouched.
	sep := slices.Index(wrapped, "--")
	if sep < 0 || wrapped[sep+1] != "/usr/bin/bwrap" {
		t.Errorf("original argv not preserved after separator: %v", wrapped)
	}
}

func TestForwardPortRejectsBadProto(t *testing.T) {
	t.Parallel()

	n := &Network{mode: NetworkOutbound}
	if err := n.ForwardPort(8080, 8080, "icmp"); err == nil {
		t.Error("expected error for invalid protocol")
	}
}

func TestForwardPortAfterClose(t *testing.T) {
	t.Parallel()

	n := &Network{mode: NetworkOutbound, closed: true}
	err := n.ForwardPort(8080, 8080, "tcp")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestNetworkAliveTracksHelperDeath(t *testing.T) {
	t.Parallel()

	n := &Network{mode: NetworkOutbound}
	if err := n.aliveLocked(); err != nil {
		t.Fatalf("fresh network should be alive: %v", err)
	}

	n.watchdogDone = true
	if err := n.aliveLocked(); err == nil {
		t.Error("expected error after watchdog death")
	} else if !strings.Contains(err.Error(), "watchdog") {
		t.Errorf("error should name the watchdog: %v", err)
	}

	n = &Network{mode: NetworkOutbound, slirp: &exec.Cmd{}, slirpDone: true}
	if err := n.aliveLocked(); err == nil {
		t.Error("expected error after slirp4netns death")
	} else if !strings.Contains(err.Error(), "slirp4netns") {
		t.Errorf("error should name slirp4netns: %v", err)
	}
}

func TestNetworkCloseIdempotent(t *testing.T) {
	t.Parallel()

	n := &Network{mode: NetworkOutbound, logger: slog.Default()}
	if err := n.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
