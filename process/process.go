// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// IOMode selects how the child's stdio is wired.
type IOMode int

const (
	// IOPipe gives the child independent stdin, stdout, and stderr
	// pipes. Output streams stay distinct.
	IOPipe IOMode = iota

	// IOPTY gives the child a pseudoterminal: stdin, stdout, and
	// stderr are all the slave side, the supervisor keeps the
	// master, and output is a single merged stream.
	IOPTY
)

// StateKind is the coarse lifecycle state of a supervised process.
type StateKind int

const (
	// StateRunning means no terminal transition has happened yet.
	StateRunning StateKind = iota

	// StateExited means the child exited on its own; ExitCode holds
	// its status.
	StateExited

	// StateSignalled means the child was killed by a signal it did
	// not receive from the supervisor; Signal holds it.
	StateSignalled

	// StateTimedOut means a Wait or Communicate deadline elapsed and
	// the supervisor terminated the process group.
	StateTimedOut

	// StateKilled means Close terminated a still-running child.
	StateKilled
)

// String returns the lifecycle state name.
func (k StateKind) String() string {
	switch k {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateSignalled:
		return "signalled"
	case StateTimedOut:
		return "timed-out"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Status is a snapshot of a process's terminal state.
type Status struct {
	Kind     StateKind
	ExitCode int            // Valid when Kind is StateExited.
	Signal   syscall.Signal // Valid when Kind is StateSignalled.
}

// NoTimeout disables the deadline on a Wait or Communicate call even
// when the process carries a default timeout.
const NoTimeout = time.Duration(-1)

// StartOptions configures Start.
type StartOptions struct {
	// Mode selects pipe or PTY stdio. Default is IOPipe.
	Mode IOMode

	// Stdin allocates a stdin pipe in pipe mode. Ignored in PTY
	// mode, where the master always accepts input.
	Stdin bool

	// DefaultTimeout applies to Wait and Communicate calls that do
	// not specify their own. Zero means no default.
	DefaultTimeout time.Duration

	// GracePeriod is how long the supervisor waits between SIGTERM
	// and SIGKILL when terminating the process group. Zero means
	// one second.
	GracePeriod time.Duration

	// Rows and Cols set the initial PTY window size. Zero leaves
	// the kernel default.
	Rows, Cols uint16

	// Logger for supervision events. Nil means slog.Default().
	Logger *slog.Logger
}

// Process is a supervised sandboxed child. Created by the sandbox
// runner via Start; all methods are safe for concurrent use.
type Process struct {
	cmd   *exec.Cmd
	mode  IOMode
	pgid  int
	grace time.Duration

	defaultTimeout time.Duration
	logger         *slog.Logger

	// Pipe mode descriptors (parent side). stdin is nil when not
	// requested.
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	// PTY master. Non-nil only in PTY mode.
	ptmx *os.File

	mu      sync.Mutex
	status  Status
	claimed bool
	done    chan struct{}

	stdinOnce sync.Once
	ptyOnce   sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Start launches cmd under supervision. The command must not have its
// stdio or SysProcAttr already configured; the supervisor owns both.
// The child is placed in its own process group (its own session in
// PTY mode) so group-wide signalling reaches descendants that a PID
// namespace might otherwise keep alive during teardown.
func Start(cmd *exec.Cmd, opts StartOptions) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.GracePeriod
	if grace == 0 {
		grace = time.Second
	}

	p := &Process{
		cmd:            cmd,
		mode:           opts.Mode,
		grace:          grace,
		defaultTimeout: opts.DefaultTimeout,
		logger:         logger,
		done:           make(chan struct{}),
	}

	var err error
	switch opts.Mode {
	case IOPipe:
		err = p.startPipe(cmd, opts.Stdin)
	case IOPTY:
		err = p.startPTY(cmd, opts.Rows, opts.Cols)
	default:
		return nil, fmt.Errorf("unknown IO mode %d", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	p.pgid = cmd.Process.Pid
	logger.Debug("process started", "pid", cmd.Process.Pid, "mode", opts.Mode)

	// Reaper: records the terminal state unless a killer (timeout
	// or Close) already claimed the transition.
	go func() {
		waitErr := cmd.Wait()
		p.mu.Lock()
		if p.status.Kind == StateRunning {
			p.status = statusFromWait(cmd, waitErr)
		}
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func statusFromWait(cmd *exec.Cmd, waitErr error) Status {
	state := cmd.ProcessState
	if state == nil {
		// Wait itself failed before reaping; treat as exit -1.
		return Status{Kind: StateExited, ExitCode: -1}
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return Status{Kind: StateSignalled, Signal: ws.Signal()}
	}
	return Status{Kind: StateExited, ExitCode: state.ExitCode()}
}

// startPipe wires three independent pipes. The parent keeps the read
// ends itself (rather than using exec's StdoutPipe) so that reaping
// the child never closes a stream mid-drain.
func (p *Process) startPipe(cmd *exec.Cmd, wantStdin bool) error {
	var parentFiles, childFiles []*os.File
	cleanup := func() {
		for _, f := range parentFiles {
			f.Close()
		}
		for _, f := range childFiles {
			f.Close()
		}
	}

	if wantStdin {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("creating stdin pipe: %w", err)
		}
		cmd.Stdin = r
		p.stdin = w
		parentFiles = append(parentFiles, w)
		childFiles = append(childFiles, r)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		cleanup()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = outW
	p.stdout = outR
	parentFiles = append(parentFiles, outR)
	childFiles = append(childFiles, outW)

	errR, errW, err := os.Pipe()
	if err != nil {
		cleanup()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stderr = errW
	p.stderr = errR
	parentFiles = append(parentFiles, errR)
	childFiles = append(childFiles, errW)

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		cleanup()
		return fmt.Errorf("starting command: %w", err)
	}

	// The child holds its own copies now.
	for _, f := range childFiles {
		f.Close()
	}
	return nil
}

// startPTY allocates a pseudoterminal and makes the slave the child's
// controlling terminal.
func (p *Process) startPTY(cmd *exec.Cmd, rows, cols uint16) error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("allocating pty: %w", err)
	}

	if rows != 0 || cols != 0 {
		if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
			ptmx.Close()
			tty.Close()
			return fmt.Errorf("setting initial pty size: %w", err)
		}
	}

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return fmt.Errorf("starting command on pty: %w", err)
	}
	tty.Close()
	p.ptmx = ptmx
	return nil
}

// PID returns the host-visible process ID of the supervised child
// (the sandbox helper, which is PID 1's parent inside the sandbox's
// PID namespace).
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Status returns the current lifecycle snapshot.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Send appends raw bytes to the child's input: the stdin pipe in pipe
// mode, the PTY master in PTY mode.
func (p *Process) Send(data []byte) error {
	if p.mode == IOPTY {
		if _, err := p.ptmx.Write(data); err != nil {
			return fmt.Errorf("writing to pty master: %w", err)
		}
		return nil
	}
	if p.stdin == nil {
		return ErrNoStdin
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to stdin: %w", err)
	}
	return nil
}

// SendText sends a UTF-8 string to the child's input.
func (p *Process) SendText(text string) error {
	return p.Send([]byte(text))
}

// CloseStdin signals EOF to the child. Safe to call multiple times;
// a no-op when stdin was not requested or in PTY mode.
func (p *Process) CloseStdin() {
	if p.stdin == nil {
		return
	}
	p.stdinOnce.Do(func() { p.stdin.Close() })
}

// WaitOptions configures Wait.
type WaitOptions struct {
	// Timeout bounds the wait. Zero means the process's default
	// timeout; NoTimeout disables the deadline entirely.
	Timeout time.Duration

	// Check reports a non-zero exit as an *ExitError instead of a
	// plain code.
	Check bool
}

// Wait blocks until the process reaches a terminal state, the timeout
// elapses, or ctx is cancelled.
//
// On timeout the supervisor terminates the whole process group
// (SIGTERM, grace period, SIGKILL), records the timed-out state, and
// returns a *TimeoutError. Context cancellation abandons the wait
// without touching the child. The returned code is the child's exit
// code, or -1 when it died to a signal.
func (p *Process) Wait(ctx context.Context, opts WaitOptions) (int, error) {
	timeout := p.resolveTimeout(opts.Timeout)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer:
		p.killAfterTimeout(timeout)
		return -1, &TimeoutError{Timeout: timeout}
	}

	status := p.Status()
	code := -1
	if status.Kind == StateExited {
		code = status.ExitCode
	}
	if opts.Check && code != 0 {
		return code, &ExitError{Code: code}
	}
	return code, nil
}

// killAfterTimeout claims the timed-out transition and tears down the
// process group.
func (p *Process) killAfterTimeout(timeout time.Duration) {
	p.mu.Lock()
	if p.status.Kind == StateRunning {
		p.status = Status{Kind: StateTimedOut}
	}
	p.mu.Unlock()

	p.logger.Warn("process timed out, terminating group",
		"pid", p.PID(), "timeout", timeout)
	p.terminateGroup(false)
}

// terminateGroup delivers the SIGTERM-grace-SIGKILL cascade to the
// child's process group and waits for the reaper. In PTY mode a
// leading SIGHUP mimics a terminal hangup so shells exit cleanly.
func (p *Process) terminateGroup(hangup bool) {
	select {
	case <-p.done:
		return
	default:
	}

	if hangup {
		p.signalGroup(unix.SIGHUP)
	}
	p.signalGroup(unix.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(p.grace):
	}
	p.signalGroup(unix.SIGKILL)
	<-p.done
}

func (p *Process) signalGroup(sig syscall.Signal) {
	// Negative pid addresses the whole group. ESRCH means everyone
	// is already gone.
	if err := unix.Kill(-p.pgid, sig); err != nil && err != unix.ESRCH {
		p.logger.Debug("signalling process group failed",
			"pgid", p.pgid, "signal", sig, "error", err)
	}
}

// SetTerminalSize applies the window-size ioctl to the PTY master.
// The change is visible to the child immediately (it receives
// SIGWINCH from the kernel).
func (p *Process) SetTerminalSize(rows, cols uint16) error {
	if p.ptmx == nil {
		return ErrNotPTY
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("setting pty size: %w", err)
	}
	return nil
}

// ClosePTY releases the PTY master descriptor. Safe to call multiple
// times; a no-op in pipe mode.
func (p *Process) ClosePTY() {
	if p.ptmx == nil {
		return
	}
	p.ptyOnce.Do(func() { p.ptmx.Close() })
}

// Close releases all descriptors and reaps the child. A still-running
// child is terminated: SIGHUP first in PTY mode, then SIGTERM, the
// grace period, and SIGKILL to the process group. Idempotent; the
// first call's result is returned to all callers.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		running := p.status.Kind == StateRunning
		if running {
			p.status = Status{Kind: StateKilled}
		}
		p.mu.Unlock()

		if running {
			p.logger.Debug("closing running process", "pid", p.PID())
		}
		p.terminateGroup(p.mode == IOPTY)

		p.CloseStdin()
		p.ClosePTY()
		if p.stdout != nil {
			p.stdout.Close()
		}
		if p.stderr != nil {
			p.stderr.Close()
		}
	})
	return p.closeErr
}

// claimOutput marks the output streams as consumed. Stream,
// StreamLines, and Communicate share the claim: only one may run.
func (p *Process) claimOutput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed {
		return ErrStreamClaimed
	}
	p.claimed = true
	return nil
}

func (p *Process) resolveTimeout(timeout time.Duration) time.Duration {
	if timeout == 0 {
		return p.defaultTimeout
	}
	if timeout == NoTimeout {
		return 0
	}
	return timeout
}
