// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/burrow-sh/burrow/lib/cli"
	"github.com/burrow-sh/burrow/process"
	"github.com/burrow-sh/burrow/sandbox"
)

// configFlags is the sandbox configuration surface shared by run,
// script, validate, and selftest. A flag overrides the resolved
// preset only when it was set on the command line.
type configFlags struct {
	fs *pflag.FlagSet

	preset         string
	rootfs         string
	rootfsDir      string
	workDir        string
	cacheRoot      string
	user           string
	shell          string
	network        string
	overlay        bool
	overlayPath    string
	persistOverlay bool
	mutableRootfs  bool
	timeout        time.Duration
	env            []string
	tasksMax       int
	memoryMax      string
	cpuQuota       string
	cpuWeight      int
}

func addConfigFlags(fs *pflag.FlagSet) *configFlags {
	f := &configFlags{fs: fs}
	fs.StringVar(&f.preset, "preset", "default", "preset name")
	fs.StringVar(&f.rootfs, "rootfs", "", "path to the rootfs archive")
	fs.StringVar(&f.rootfsDir, "rootfs-dir", "", "extract the rootfs here instead of the shared cache")
	fs.StringVar(&f.workDir, "workdir", "", "host directory mounted at the sandbox home (kept after close)")
	fs.StringVar(&f.cacheRoot, "cache-root", "", "override the rootfs cache location")
	fs.StringVar(&f.user, "user", "", "sandbox user name")
	fs.StringVar(&f.shell, "shell", "", "shell that interprets run commands")
	fs.StringVar(&f.network, "network", "", "network mode: disabled, isolated, outbound, outbound-host-loopback")
	fs.BoolVar(&f.overlay, "overlay", false, "writable root via a copy-on-write overlay")
	fs.StringVar(&f.overlayPath, "overlay-path", "", "upper directory for the overlay (kept after close)")
	fs.BoolVar(&f.persistOverlay, "persist-overlay", false, "leave the overlay mounted at close")
	fs.BoolVar(&f.mutableRootfs, "mutable-rootfs", false, "bind the extracted rootfs read-write (requires --rootfs-dir)")
	fs.DurationVar(&f.timeout, "timeout", 0, "default process timeout (-1s disables the preset's)")
	fs.StringArrayVar(&f.env, "env", nil, "extra environment variable (KEY=VALUE, repeatable)")
	fs.IntVar(&f.tasksMax, "tasks-max", 0, "cgroup task limit")
	fs.StringVar(&f.memoryMax, "memory-max", "", "cgroup memory limit (e.g. 4G)")
	fs.StringVar(&f.cpuQuota, "cpu-quota", "", "cgroup CPU quota (e.g. 200%)")
	fs.IntVar(&f.cpuWeight, "cpu-weight", 0, "cgroup CPU weight (1-10000)")
	return f
}

// config resolves the preset and layers the explicitly set flags over
// it.
func (f *configFlags) config(logger *slog.Logger) (sandbox.Config, error) {
	loader, err := sandbox.LoadFromSearchPaths(logger)
	if err != nil {
		return sandbox.Config{}, err
	}
	preset, err := loader.Resolve(f.preset)
	if err != nil {
		return sandbox.Config{}, err
	}
	cfg, err := preset.Config()
	if err != nil {
		return sandbox.Config{}, err
	}

	if f.fs.Changed("rootfs") {
		cfg.Rootfs = f.rootfs
	}
	if f.fs.Changed("rootfs-dir") {
		cfg.RootfsDir = f.rootfsDir
	}
	if f.fs.Changed("workdir") {
		cfg.WorkDir = f.workDir
	}
	if f.fs.Changed("user") {
		cfg.User = f.user
	}
	if f.fs.Changed("shell") {
		cfg.Shell = f.shell
	}
	if f.fs.Changed("network") {
		mode, err := sandbox.ParseNetworkMode(f.network)
		if err != nil {
			return sandbox.Config{}, err
		}
		cfg.Network = mode
	}
	if f.fs.Changed("overlay") {
		cfg.Overlay = f.overlay
	}
	if f.fs.Changed("overlay-path") {
		cfg.OverlayPath = f.overlayPath
	}
	if f.fs.Changed("persist-overlay") {
		cfg.PersistOverlay = f.persistOverlay
	}
	if f.fs.Changed("mutable-rootfs") {
		cfg.MutableRootfs = f.mutableRootfs
	}
	if f.fs.Changed("timeout") {
		cfg.DefaultTimeout = f.timeout
	}
	if f.fs.Changed("cache-root") {
		cfg.CacheRoot = f.cacheRoot
	}
	if f.fs.Changed("tasks-max") {
		cfg.Resources.TasksMax = f.tasksMax
	}
	if f.fs.Changed("memory-max") {
		cfg.Resources.MemoryMax = f.memoryMax
	}
	if f.fs.Changed("cpu-quota") {
		cfg.Resources.CPUQuota = f.cpuQuota
	}
	if f.fs.Changed("cpu-weight") {
		cfg.Resources.CPUWeight = f.cpuWeight
	}

	if len(f.env) > 0 {
		env := make(map[string]string, len(cfg.Env)+len(f.env))
		for k, v := range cfg.Env {
			env[k] = v
		}
		for _, kv := range f.env {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return sandbox.Config{}, fmt.Errorf("invalid env %q: must be KEY=VALUE", kv)
			}
			env[key] = value
		}
		cfg.Env = env
	}

	cfg.Logger = logger
	return cfg, nil
}

// runCmd implements the "run" command.
func runCmd(args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	f := addConfigFlags(fs)
	pty := fs.Bool("pty", false, "run on a PTY and attach this terminal")
	stdin := fs.Bool("stdin", false, "pipe this process's stdin to the command")
	forwards := fs.StringArray("forward-port", nil, "host loopback port forward (SANDBOX:HOST[/udp], repeatable)")

	fs.Usage = func() {
		fmt.Print(`burrow run - Run a shell command in a sandbox

USAGE
    burrow run [flags] -- <command> [args...]

FLAGS
`)
		fmt.Print(fs.FlagUsages())
		fmt.Print(`
EXAMPLES
    burrow run --rootfs=alpine.tar.zst -- echo hello
    burrow run --preset=online --rootfs=alpine.tar.zst -- wget -q -O- example.com
    burrow run --rootfs=alpine.tar.zst --pty --timeout=-1s -- sh
`)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	command := strings.Join(fs.Args(), " ")
	if command == "" {
		return fmt.Errorf("command is required after --")
	}

	cfg, err := f.config(logger)
	if err != nil {
		return err
	}
	sb, err := sandbox.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := cli.SignalContext(context.Background())
	defer cancel()

	if err := sb.Open(ctx); err != nil {
		return err
	}
	defer sb.Close()

	for _, spec := range *forwards {
		sandboxPort, hostPort, proto, err := parseForward(spec)
		if err != nil {
			return err
		}
		if err := sb.ForwardPort(sandboxPort, hostPort, proto); err != nil {
			return err
		}
	}

	opts := sandbox.RunOptions{Stdin: *stdin}
	if *pty {
		opts.Mode = process.IOPTY
		if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			opts.Rows, opts.Cols = uint16(rows), uint16(cols)
		}
	}

	p, err := sb.Run(ctx, command, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	if *pty {
		return attachTerminal(ctx, p)
	}
	return drainAndWait(ctx, p, *stdin)
}

// scriptCmd implements the "script" command.
func scriptCmd(args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("script", pflag.ExitOnError)
	f := addConfigFlags(fs)
	interpreter := fs.String("interpreter", "python", "command that runs the script inside the sandbox")
	extension := fs.String("extension", "", "script filename extension (default: taken from the file name)")

	fs.Usage = func() {
		fmt.Print(`burrow script - Run a script file in a sandbox

The script is copied into the session directory and handed to the
interpreter. Use "-" to read the script from stdin.

USAGE
    burrow script [flags] <file>

FLAGS
`)
		fmt.Print(fs.FlagUsages())
		fmt.Print(`
EXAMPLES
    burrow script --rootfs=python.tar.zst train.py
    echo 'print(6*7)' | burrow script --rootfs=python.tar.zst -
    burrow script --rootfs=alpine.tar.zst --interpreter=sh setup.sh
`)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("exactly one script file is required (use - for stdin)")
	}

	path := fs.Arg(0)
	var code []byte
	var err error
	if path == "-" {
		code, err = io.ReadAll(os.Stdin)
	} else {
		code, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	ext := *extension
	if ext == "" && path != "-" {
		ext = strings.TrimPrefix(filepath.Ext(path), ".")
	}

	cfg, err := f.config(logger)
	if err != nil {
		return err
	}
	sb, err := sandbox.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := cli.SignalContext(context.Background())
	defer cancel()

	if err := sb.Open(ctx); err != nil {
		return err
	}
	defer sb.Close()

	p, err := sb.RunScript(ctx, string(code), sandbox.ScriptOptions{
		RunCommand: *interpreter,
		Extension:  ext,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	return drainAndWait(ctx, p, false)
}

// drainAndWait copies the child's output through to our stdio and
// reports a non-zero exit as an ExitError so main can propagate the
// code.
func drainAndWait(ctx context.Context, p *process.Process, stdin bool) error {
	if stdin {
		go copyStdin(p)
	}

	chunks, err := p.Stream(ctx)
	if err != nil {
		return err
	}
	for c := range chunks {
		if c.Stream == process.Stderr {
			os.Stderr.Write(c.Data)
		} else {
			os.Stdout.Write(c.Data)
		}
	}

	_, err = p.Wait(ctx, process.WaitOptions{Check: true})
	return err
}

// attachTerminal wires the controlling terminal to the sandboxed PTY:
// raw input, window size propagation, output passthrough.
func attachTerminal(ctx context.Context, p *process.Process) error {
	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("setting raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				p.SetTerminalSize(uint16(rows), uint16(cols))
			}
		}
	}()

	go copyStdin(p)

	chunks, err := p.Stream(ctx)
	if err != nil {
		return err
	}
	for c := range chunks {
		os.Stdout.Write(c.Data)
	}

	_, err = p.Wait(ctx, process.WaitOptions{Check: true})
	return err
}

func copyStdin(p *process.Process) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if p.Send(buf[:n]) != nil {
				return
			}
		}
		if err != nil {
			p.CloseStdin()
			return
		}
	}
}

// parseForward splits a "SANDBOX:HOST[/proto]" port forward spec.
func parseForward(spec string) (sandboxPort, hostPort int, proto string, err error) {
	proto = "tcp"
	rest := spec
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		proto = rest[i+1:]
		rest = rest[:i]
	}
	sandboxStr, hostStr, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, 0, "", fmt.Errorf("invalid port forward %q: want SANDBOX:HOST[/proto]", spec)
	}
	sandboxPort, err = strconv.Atoi(sandboxStr)
	if err != nil {
		return 0, 0, "", fmt.Errorf("invalid sandbox port in %q: %w", spec, err)
	}
	hostPort, err = strconv.Atoi(hostStr)
	if err != nil {
		return 0, 0, "", fmt.Errorf("invalid host port in %q: %w", spec, err)
	}
	return sandboxPort, hostPort, proto, nil
}
