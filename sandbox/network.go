// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// slirpGuestAddr is the sandbox-side address slirp4netns assigns to
// the first DHCP client on its tap device.
const slirpGuestAddr = "10.0.2.100"

// Network provisions and owns the helper processes backing an
// outbound network mode: a namespace watchdog anchoring a user+net
// namespace pair, and a slirp4netns transport bridging it to the
// host. It also carries the /etc/hosts and /etc/resolv.conf contents
// bind-mounted into the sandbox.
//
// The modes that need no helpers (disabled, isolated) have no Network;
// provisionNetwork returns nil for them.
type Network struct {
	mode   NetworkMode
	logger *slog.Logger

	watchdog *exec.Cmd
	slirp    *exec.Cmd

	hostsPath  string
	resolvPath string
	apiSocket  string
	tmpFiles   []string

	mu           sync.Mutex
	watchdogExit error // set once the watchdog is reaped
	slirpExit    error // set once slirp4netns is reaped
	watchdogDone bool
	slirpDone    bool
	closed       bool
}

// provisionNetwork sets up helpers for the given mode. Returns nil
// (no helpers) for disabled and isolated. On error everything already
// started is torn down.
func provisionNetwork(ctx context.Context, mode NetworkMode, logger *slog.Logger) (n *Network, err error) {
	if !mode.outboundMode() {
		return nil, nil
	}

	n = &Network{mode: mode, logger: logger}
	started := n // n itself is nil by the time an error return defers run
	defer func() {
		if err != nil {
			started.Close()
		}
	}()

	// The watchdog pins the namespaces open for the sandbox's whole
	// life. --map-root-user makes us root inside, so loopback setup
	// and slirp4netns configuration work unprivileged.
	n.watchdog = exec.Command("unshare",
		"--user", "--map-root-user", "--net", "--keep-caps",
		"sh", "-c", "sleep infinity",
	)
	if err := n.watchdog.Start(); err != nil {
		return nil, fmt.Errorf("starting namespace watchdog: %w", err)
	}
	go func() {
		err := n.watchdog.Wait()
		n.mu.Lock()
		n.watchdogDone, n.watchdogExit = true, err
		n.mu.Unlock()
	}()

	if err := n.waitNamespaceReady(ctx, n.watchdog.Process.Pid); err != nil {
		return nil, err
	}
	if err := n.bringLoopbackUp(n.watchdog.Process.Pid); err != nil {
		return nil, err
	}

	n.hostsPath, err = n.writeTempFile("burrow-hosts-*",
		"127.0.0.1 localhost\n::1 localhost\n127.0.1.1 sandbox\n")
	if err != nil {
		return nil, err
	}
	n.resolvPath, err = n.writeTempFile("burrow-resolv-*",
		"nameserver 8.8.8.8\nnameserver 8.8.4.4\n")
	if err != nil {
		return nil, err
	}

	sockFile, err := os.CreateTemp("", "burrow-slirp-*.sock")
	if err != nil {
		return nil, fmt.Errorf("allocating slirp4netns api socket path: %w", err)
	}
	n.apiSocket = sockFile.Name()
	sockFile.Close()
	os.Remove(n.apiSocket) // slirp4netns creates the socket itself
	n.tmpFiles = append(n.tmpFiles, n.apiSocket)

	slirpArgs := []string{"--api-socket", n.apiSocket}
	if mode != NetworkOutboundHostLoopback {
		slirpArgs = append(slirpArgs, "--disable-host-loopback")
	}
	slirpArgs = append(slirpArgs, "--configure", fmt.Sprint(n.watchdog.Process.Pid), "tap0")

	n.slirp = exec.Command("slirp4netns", slirpArgs...)
	if err := n.slirp.Start(); err != nil {
		return nil, fmt.Errorf("starting slirp4netns: %w", err)
	}
	go func() {
		err := n.slirp.Wait()
		n.mu.Lock()
		n.slirpDone, n.slirpExit = true, err
		n.mu.Unlock()
	}()

	if err := n.waitAPISocket(ctx); err != nil {
		return nil, err
	}

	logger.Info("sandbox network provisioned",
		"mode", mode,
		"namespace_pid", n.watchdog.Process.Pid,
	)
	return n, nil
}

// JoinPID is the PID whose /proc namespace references sandbox
// processes must enter.
func (n *Network) JoinPID() int {
	return n.watchdog.Process.Pid
}

// BwrapArgs returns the bwrap arguments the network contributes:
// the hosts and resolver binds, shared-namespace selection (the real
// isolation lives in the joined namespace), and CAP_NET_RAW so ping
// works over the userspace transport.
func (n *Network) BwrapArgs() []string {
	return []string{
		"--ro-bind", n.hostsPath, "/etc/hosts",
		"--ro-bind", n.resolvPath, "/etc/resolv.conf",
		"--share-net",
		"--cap-add", "CAP_NET_RAW",
	}
}

// WrapCommand prefixes argv with an nsenter invocation entering the
// watchdog's user and network namespaces.
func (n *Network) WrapCommand(argv []string) []string {
	pid := n.JoinPID()
	wrapped := []string{
		"nsenter",
		fmt.Sprintf("--user=/proc/%d/ns/user", pid),
		fmt.Sprintf("--net=/proc/%d/ns/net", pid),
		"--preserve-credentials",
		"--",
	}
	return append(wrapped, argv...)
}

// ForwardPort maps hostPort on the host's loopback to sandboxPort
// inside the sandbox via the slirp4netns control socket. proto is
// "tcp" or "udp". Usable while the sandbox is running.
func (n *Network) ForwardPort(sandboxPort, hostPort int, proto string) error {
	if proto != "tcp" && proto != "udp" {
		return fmt.Errorf("invalid forward protocol %q (want tcp or udp)", proto)
	}
	if err := n.aliveLocked(); err != nil {
		return err
	}

	request := struct {
		Execute   string `json:"execute"`
		Arguments struct {
			Proto     string `json:"proto"`
			HostAddr  string `json:"host_addr"`
			HostPort  int    `json:"host_port"`
			GuestAddr string `json:"guest_addr"`
			GuestPort int    `json:"guest_port"`
		} `json:"arguments"`
	}{Execute: "add_hostfwd"}
	request.Arguments.Proto = proto
	request.Arguments.HostAddr = "127.0.0.1"
	request.Arguments.HostPort = hostPort
	request.Arguments.GuestAddr = slirpGuestAddr
	request.Arguments.GuestPort = sandboxPort

	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("unix", n.apiSocket, time.Second)
	if err != nil {
		return fmt.Errorf("connecting to slirp4netns control socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("sending add_hostfwd: %w", err)
	}

	var response struct {
		Error map[string]any `json:"error"`
	}
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("reading add_hostfwd response: %w", err)
	}
	if response.Error != nil {
		return fmt.Errorf("slirp4netns rejected port forward: %v", response.Error)
	}
	return nil
}

// aliveLocked surfaces a helper that died since provisioning. A dead
// watchdog drops the namespace; dead slirp4netns drops connectivity.
func (n *Network) aliveLocked() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.watchdogDone {
		return fmt.Errorf("network namespace watchdog exited: %v", n.watchdogExit)
	}
	if n.slirp != nil && n.slirpDone {
		return fmt.Errorf("slirp4netns exited: %v", n.slirpExit)
	}
	return nil
}

// Close tears the network down: helpers first (slirp4netns before the
// watchdog that owns its namespace), temp files last. Each helper
// gets SIGTERM, a bounded wait, then SIGKILL. Idempotent.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	var errs []error
	if n.slirp != nil && n.slirp.Process != nil {
		if err := n.stopHelper(n.slirp, &n.slirpDone); err != nil {
			errs = append(errs, fmt.Errorf("stopping slirp4netns: %w", err))
		}
	}
	if n.watchdog != nil && n.watchdog.Process != nil {
		if err := n.stopHelper(n.watchdog, &n.watchdogDone); err != nil {
			errs = append(errs, fmt.Errorf("stopping namespace watchdog: %w", err))
		}
	}
	for _, path := range n.tmpFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// stopHelper terminates one helper process: SIGTERM, wait up to two
// seconds for the reaper goroutine to observe the exit, SIGKILL.
func (n *Network) stopHelper(cmd *exec.Cmd, done *bool) error {
	signal := func(sig unix.Signal) {
		// ESRCH means already gone, which is the goal.
		if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			n.logger.Debug("signalling network helper", "pid", cmd.Process.Pid, "error", err)
		}
	}

	signal(unix.SIGTERM)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		exited := *done
		n.mu.Unlock()
		if exited {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	signal(unix.SIGKILL)
	return nil
}

// writeTempFile materializes content for a read-only bind mount.
func (n *Network) writeTempFile(pattern, content string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("creating network temp file: %w", err)
	}
	n.tmpFiles = append(n.tmpFiles, f.Name())
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// waitNamespaceReady polls until an nsenter probe into the watchdog's
// namespaces succeeds. The namespace paths appear under /proc a
// moment after unshare forks; entering too early fails with EINVAL.
func (n *Network) waitNamespaceReady(ctx context.Context, pid int) error {
	userNS := fmt.Sprintf("/proc/%d/ns/user", pid)
	netNS := fmt.Sprintf("/proc/%d/ns/net", pid)

	deadline := time.Now().Add(2 * time.Second)
	lastErr := "namespace paths not present yet"
	for {
		n.mu.Lock()
		watchdogDead := n.watchdogDone
		n.mu.Unlock()
		if watchdogDead {
			return fmt.Errorf("namespace watchdog exited before becoming ready")
		}

		if _, err := os.Stat(userNS); err == nil {
			probe := exec.Command("nsenter",
				"--user="+userNS, "--net="+netNS, "--preserve-credentials", "--", "true")
			output, err := probe.CombinedOutput()
			if err == nil {
				return nil
			}
			lastErr = string(output)
			if lastErr == "" {
				lastErr = err.Error()
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("network namespace for PID %d not ready: %s", pid, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// bringLoopbackUp enables lo inside the namespace so sandbox-local
// services work even before slirp4netns attaches.
func (n *Network) bringLoopbackUp(pid int) error {
	cmd := exec.Command("nsenter",
		fmt.Sprintf("--user=/proc/%d/ns/user", pid),
		fmt.Sprintf("--net=/proc/%d/ns/net", pid),
		"--preserve-credentials", "--",
		"ip", "link", "set", "lo", "up")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("bringing loopback up in namespace: %w\noutput: %s", err, output)
	}
	return nil
}

// waitAPISocket dials the slirp4netns control socket until it accepts.
func (n *Network) waitAPISocket(ctx context.Context) error {
	deadline := time.Now().Add(2 * time.Second)
	lastErr := "socket not created yet"
	for {
		n.mu.Lock()
		slirpDead := n.slirpDone
		n.mu.Unlock()
		if slirpDead {
			return fmt.Errorf("slirp4netns exited before its control socket became ready")
		}

		conn, err := net.DialTimeout("unix", n.apiSocket, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err.Error()

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for slirp4netns control socket: %s", lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
