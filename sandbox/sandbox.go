// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/burrow-sh/burrow/process"
	"github.com/burrow-sh/burrow/rootfs"
)

type state int

const (
	stateConstructed state = iota
	stateOpen
	stateClosing
	stateClosed
)

// Sandbox coordinates one isolated execution environment: a cached
// rootfs, a session workspace, an optional overlay, a network policy,
// and the processes running inside. Methods are safe for concurrent
// use.
type Sandbox struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     state
	rootfsDir string
	ws        *Workspace
	overlay   *OverlayManager
	network   *Network
	procs     []*process.Process
}

// New validates the configuration and host prerequisites and returns
// an unopened sandbox. It touches no disk state; Open does the work.
func New(cfg Config) (*Sandbox, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Network == "" {
		cfg.Network = NetworkIsolated
	}
	return &Sandbox{cfg: cfg, logger: cfg.logger()}, nil
}

// Open prepares the sandbox: resolve the rootfs archive through the
// cache, allocate the workspace, mount the overlay, and provision
// network helpers. A failure rolls the completed steps back in
// reverse and leaves the sandbox closed.
func (s *Sandbox) Open(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateOpen:
		return fmt.Errorf("sandbox is already open")
	case stateClosing, stateClosed:
		return ErrClosed
	}

	defer func() {
		if err != nil {
			s.state = stateClosed
			s.rollbackLocked()
		}
	}()

	cache := &rootfs.Cache{Root: s.cfg.CacheRoot, Logger: s.logger}
	if s.cfg.RootfsDir != "" {
		s.rootfsDir, err = cache.ResolveInto(ctx, s.cfg.Rootfs, s.cfg.RootfsDir)
	} else {
		s.rootfsDir, err = cache.Resolve(ctx, s.cfg.Rootfs)
	}
	if err != nil {
		return fmt.Errorf("resolving rootfs: %w", err)
	}

	s.ws, err = newWorkspace(&s.cfg)
	if err != nil {
		return err
	}

	if s.cfg.overlayEnabled() {
		s.overlay, err = newOverlayManager(s.logger)
		if err != nil {
			return err
		}
		err = s.overlay.Mount(s.rootfsDir, s.ws.OverlayUpper, s.ws.OverlayWork, s.ws.OverlayMount)
		if err != nil {
			return fmt.Errorf("mounting rootfs overlay: %w", err)
		}
	}

	s.network, err = provisionNetwork(ctx, s.cfg.Network, s.logger)
	if err != nil {
		return fmt.Errorf("provisioning network: %w", err)
	}

	s.state = stateOpen
	s.logger.Info("sandbox open",
		"rootfs", s.rootfsDir,
		"session", s.ws.Session,
		"network", s.cfg.Network,
		"overlay", s.cfg.overlayEnabled(),
	)
	return nil
}

// RunOptions configures a single process inside the sandbox.
type RunOptions struct {
	// Mode selects pipe or PTY stdio.
	Mode process.IOMode

	// Stdin requests a stdin pipe (pipe mode; PTYs always accept
	// input).
	Stdin bool

	// Env adds process-specific environment on top of the sandbox's.
	Env map[string]string

	// Timeout overrides the sandbox's default timeout for this
	// process.
	Timeout time.Duration

	// Rows and Cols set the initial PTY window size.
	Rows, Cols uint16
}

// Run starts a shell command inside the sandbox and returns its
// supervised process. The sandbox retains the record and terminates
// it on Close if still live.
func (s *Sandbox) Run(ctx context.Context, command string, opts RunOptions) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runLocked(ctx, command, opts)
}

func (s *Sandbox) runLocked(ctx context.Context, command string, opts RunOptions) (*process.Process, error) {
	if err := s.requireOpenLocked(); err != nil {
		return nil, err
	}
	if s.network != nil {
		if err := s.network.aliveLocked(); err != nil {
			return nil, err
		}
	}

	env := make(map[string]string, len(s.cfg.Env)+len(opts.Env))
	for k, v := range s.cfg.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}

	rootDir := s.rootfsDir
	if s.overlay != nil {
		rootDir = s.ws.OverlayMount
	}
	var networkArgs []string
	if s.network != nil {
		networkArgs = s.network.BwrapArgs()
	}

	argv, err := buildBwrapCommand(&BwrapOptions{
		RootfsDir:     rootDir,
		MutableRootfs: s.cfg.MutableRootfs,
		SessionDir:    s.ws.Session,
		TmpDir:        s.ws.Tmp,
		User:          s.cfg.user(),
		Network:       s.cfg.Network,
		NetworkArgs:   networkArgs,
		Env:           env,
		Shell:         s.cfg.shell(),
		Command:       command,
	}, s.network)
	if err != nil {
		return nil, err
	}

	if s.cfg.Resources.HasLimits() {
		scope := NewSystemdScope(scopeName(), s.cfg.Resources)
		if scope.Available() {
			argv = scope.WrapCommand(argv)
		} else {
			s.logger.Warn("systemd-run not available, resource limits will not be enforced")
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	// A minimal explicit environment for the helper itself: with a
	// nil Env the helper would carry the parent's full environment in
	// /proc/<pid>/environ, readable from inside the sandbox even
	// after --clearenv.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TERM=" + os.Getenv("TERM"),
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	p, err := process.Start(cmd, process.StartOptions{
		Mode:           opts.Mode,
		Stdin:          opts.Stdin,
		DefaultTimeout: timeout,
		GracePeriod:    s.cfg.GracePeriod,
		Rows:           opts.Rows,
		Cols:           opts.Cols,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("starting sandboxed process: %w", err)
	}

	s.procs = append(s.procs, p)
	s.logger.Debug("sandboxed process started", "pid", p.PID(), "command", command)
	return p, nil
}

// scopeName generates a unique transient scope unit name.
func scopeName() string {
	var buf [4]byte
	rand.Read(buf[:])
	return "burrow-sandbox-" + hex.EncodeToString(buf[:])
}

// ScriptOptions configures RunScript.
type ScriptOptions struct {
	RunOptions

	// RunCommand is the interpreter invoked on the script file.
	// Default "python".
	RunCommand string

	// Extension is the script filename extension. Default "py".
	Extension string
}

// RunScript writes code to a uniquely named file in the session
// directory and runs it with the configured interpreter.
func (s *Sandbox) RunScript(ctx context.Context, code string, opts ScriptOptions) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpenLocked(); err != nil {
		return nil, err
	}

	runCommand := opts.RunCommand
	if runCommand == "" {
		runCommand = "python"
	}
	extension := opts.Extension
	if extension == "" {
		extension = "py"
	}

	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generating script name: %w", err)
	}
	name := fmt.Sprintf("script_%s.%s", hex.EncodeToString(buf[:]), extension)

	if err := os.WriteFile(filepath.Join(s.ws.Session, name), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("writing script file: %w", err)
	}

	command := fmt.Sprintf("%s %s/%s", runCommand, s.cfg.homeDir(), name)
	return s.runLocked(ctx, command, opts.RunOptions)
}

// ForwardPort maps a host loopback port to a sandbox port. Requires
// an outbound network mode.
func (s *Sandbox) ForwardPort(sandboxPort, hostPort int, proto string) error {
	s.mu.Lock()
	network := s.network
	err := s.requireOpenLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if network == nil {
		return fmt.Errorf("port forwarding requires an outbound network mode, not %q", s.cfg.Network)
	}
	return network.ForwardPort(sandboxPort, hostPort, proto)
}

// SessionDir returns the host path backing the sandbox user's home.
func (s *Sandbox) SessionDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpenLocked(); err != nil {
		return "", err
	}
	return s.ws.Session, nil
}

// RootfsDir returns the host path of the resolved rootfs tree.
func (s *Sandbox) RootfsDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpenLocked(); err != nil {
		return "", err
	}
	return s.rootfsDir, nil
}

// Validate runs the pre-flight checks for this configuration and
// writes a human-readable report.
func (s *Sandbox) Validate(w io.Writer) error {
	v := NewValidator()
	v.ValidateConfig(&s.cfg)
	v.PrintResults(w)
	if v.HasErrors() {
		return fmt.Errorf("validation failed")
	}
	return nil
}

func (s *Sandbox) requireOpenLocked() error {
	switch s.state {
	case stateConstructed:
		return ErrNotOpen
	case stateClosing, stateClosed:
		return ErrClosed
	}
	return nil
}

// Close tears the sandbox down: terminate live processes, stop
// network helpers, unmount the overlay (unless persisted), release
// engine-allocated directories. Later steps run even when earlier
// ones fail; the aggregated error is returned. Idempotent.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateClosing, stateClosed:
		return nil
	}
	s.state = stateClosing
	err := s.teardownLocked()
	s.state = stateClosed
	return err
}

// rollbackLocked is Open's failure path: same teardown, errors only
// logged since the Open error is the one the caller needs.
func (s *Sandbox) rollbackLocked() {
	if err := s.teardownLocked(); err != nil {
		s.logger.Warn("sandbox rollback incomplete", "error", err)
	}
}

func (s *Sandbox) teardownLocked() error {
	var errs []error

	for _, p := range s.procs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("terminating process %d: %w", p.PID(), err))
		}
	}
	s.procs = nil

	if s.network != nil {
		if err := s.network.Close(); err != nil {
			errs = append(errs, err)
		}
		s.network = nil
	}

	if s.overlay != nil {
		if s.cfg.PersistOverlay {
			s.logger.Info("leaving overlay mounted", "mountpoint", s.ws.OverlayMount)
		} else if err := s.overlay.Unmount(); err != nil {
			// Surfaced, not swallowed: a stuck mount holds the
			// upper layer open. Directory release still proceeds.
			errs = append(errs, err)
		}
		s.overlay = nil
	}

	if s.ws != nil {
		if err := s.ws.Release(); err != nil {
			errs = append(errs, err)
		}
		s.ws = nil
	}

	return errors.Join(errs...)
}
