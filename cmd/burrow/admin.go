// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/pflag"

	"github.com/burrow-sh/burrow/lib/cli"
	"github.com/burrow-sh/burrow/rootfs"
	"github.com/burrow-sh/burrow/sandbox"
)

// validateCmd implements the "validate" command.
func validateCmd(args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("validate", pflag.ExitOnError)
	f := addConfigFlags(fs)

	fs.Usage = func() {
		fmt.Print(`burrow validate - Check a configuration against this host

Runs the pre-flight checks for the given preset and flags without
opening a sandbox: required tools, user namespaces, the rootfs
archive, and the cache location.

USAGE
    burrow validate [flags]

FLAGS
`)
		fmt.Print(fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.config(logger)
	if err != nil {
		return err
	}

	v := sandbox.NewValidator()
	v.ValidateConfig(&cfg)
	v.PrintResults(os.Stdout)
	if v.HasErrors() {
		return fmt.Errorf("validation failed")
	}
	return nil
}

// selftestCmd implements the "selftest" command.
func selftestCmd(args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("selftest", pflag.ExitOnError)
	f := addConfigFlags(fs)

	fs.Usage = func() {
		fmt.Print(`burrow selftest - Run the containment check battery in a sandbox

Opens a sandbox with the given configuration and probes it from the
inside: shadow file reads, rootfs writes, UID mapping, PID and network
namespace visibility. Critical failures make the command exit
non-zero.

USAGE
    burrow selftest [flags]

FLAGS
`)
		fmt.Print(fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return err
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

	runner := sandbox.NewContainmentRunner(sb)
	results, err := runner.RunAll(ctx)
	if err != nil {
		return err
	}
	if failed := sandbox.PrintResults(os.Stdout, results); failed > 0 {
		return fmt.Errorf("%d critical containment failure(s)", failed)
	}
	return nil
}

// doctorCmd implements the "doctor" command.
func doctorCmd() error {
	caps := sandbox.DetectCapabilities()

	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}

	fmt.Println("Host sandboxing capabilities:")
	if caps.BwrapAvailable {
		fmt.Printf("  %s bubblewrap (%s, %s)\n", mark(true), caps.BwrapPath, caps.BwrapVersion)
	} else {
		fmt.Printf("  %s bubblewrap not installed\n", mark(false))
	}
	fmt.Printf("  %s unprivileged user namespaces\n", mark(caps.UserNamespacesEnabled))
	if caps.FuseOverlayfsAvailable {
		fmt.Printf("  %s fuse-overlayfs (%s) - overlay mode\n", mark(true), caps.FuseOverlayfsPath)
	} else {
		fmt.Printf("  %s fuse-overlayfs - overlay mode unavailable\n", mark(false))
	}
	fmt.Printf("  %s slirp4netns - outbound network modes\n", mark(caps.Slirp4netnsAvailable))
	fmt.Printf("  %s systemd-run - resource limits\n", mark(caps.SystemdRunAvailable))
	if caps.SystemdRunAvailable {
		fmt.Printf("  %s systemd user scopes\n", mark(caps.SystemdUserScopesWork))
	}
	fmt.Println()

	if reason := caps.SkipReason(); reason != "" {
		return fmt.Errorf("sandboxing unavailable: %s", reason)
	}
	fmt.Println("Sandboxing is available.")
	return nil
}

// listPresetsCmd implements the "list-presets" command.
func listPresetsCmd(logger *slog.Logger) error {
	loader, err := sandbox.LoadFromSearchPaths(logger)
	if err != nil {
		return err
	}

	fmt.Println("Available presets:")
	for _, name := range loader.List() {
		preset, err := loader.Resolve(name)
		if err != nil {
			fmt.Printf("  %s (error: %v)\n", name, err)
			continue
		}
		fmt.Printf("  %-20s %s\n", name, preset.Description)
	}
	return nil
}

// showPresetCmd implements the "show-preset" command.
func showPresetCmd(args []string, logger *slog.Logger) error {
	if len(args) < 1 {
		return fmt.Errorf("preset name required")
	}
	name := args[0]

	loader, err := sandbox.LoadFromSearchPaths(logger)
	if err != nil {
		return err
	}
	preset, err := loader.Resolve(name)
	if err != nil {
		return err
	}
	cfg, err := preset.Config()
	if err != nil {
		return err
	}

	fmt.Printf("Preset: %s\n", preset.Name)
	fmt.Printf("Description: %s\n", preset.Description)
	fmt.Println()

	fmt.Printf("Network: %s\n", cfg.Network)
	fmt.Printf("Overlay: %v\n", cfg.Overlay || cfg.OverlayPath != "")
	if cfg.OverlayPath != "" {
		fmt.Printf("Overlay Path: %s\n", cfg.OverlayPath)
	}
	if cfg.MutableRootfs {
		fmt.Printf("Mutable Rootfs: true\n")
	}
	if cfg.Rootfs != "" {
		fmt.Printf("Rootfs: %s\n", cfg.Rootfs)
	}
	if cfg.WorkDir != "" {
		fmt.Printf("Work Dir: %s\n", cfg.WorkDir)
	}
	if cfg.DefaultTimeout > 0 {
		fmt.Printf("Timeout: %s\n", cfg.DefaultTimeout)
	} else {
		fmt.Printf("Timeout: none\n")
	}
	fmt.Println()

	fmt.Println("Resources:")
	if cfg.Resources.TasksMax > 0 {
		fmt.Printf("  Tasks Max: %d\n", cfg.Resources.TasksMax)
	} else {
		fmt.Printf("  Tasks Max: unlimited\n")
	}
	if cfg.Resources.MemoryMax != "" {
		fmt.Printf("  Memory Max: %s\n", cfg.Resources.MemoryMax)
	} else {
		fmt.Printf("  Memory Max: unlimited\n")
	}
	if cfg.Resources.CPUQuota != "" {
		fmt.Printf("  CPU Quota: %s\n", cfg.Resources.CPUQuota)
	} else {
		fmt.Printf("  CPU Quota: unlimited\n")
	}

	if len(cfg.Env) > 0 {
		fmt.Println()
		fmt.Println("Environment:")
		keys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s=%s\n", k, cfg.Env[k])
		}
	}
	return nil
}

// buildRootfsCmd implements the "build-rootfs" command.
func buildRootfsCmd(args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("build-rootfs", pflag.ExitOnError)
	recipe := fs.String("recipe", "", "container-image recipe (Dockerfile) describing the rootfs")
	output := fs.String("output", "", "path of the zstd-compressed tarball to write")
	contextDir := fs.String("context", "", "build context directory (default: the recipe's directory)")
	level := fs.String("compression", "", "zstd level: fastest, default, better, or best")

	fs.Usage = func() {
		fmt.Print(`burrow build-rootfs - Build a rootfs archive from a container recipe

Builds the image with docker, exports the container filesystem, and
compresses it into an archive the sandbox cache can extract.

USAGE
    burrow build-rootfs --recipe=Dockerfile --output=rootfs.tar.zst

FLAGS
`)
		fmt.Print(fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recipe == "" || *output == "" {
		return fmt.Errorf("--recipe and --output are required")
	}

	opts := rootfs.BuildOptions{
		Recipe:     *recipe,
		Output:     *output,
		ContextDir: *contextDir,
		Logger:     logger,
	}
	if *level != "" {
		ok, l := zstd.EncoderLevelFromString(*level)
		if !ok {
			return fmt.Errorf("unknown compression level %q", *level)
		}
		opts.Level = l
	}

	ctx, cancel := cli.SignalContext(context.Background())
	defer cancel()
	return rootfs.Build(ctx, opts)
}

// clearCacheCmd implements the "clear-cache" command.
func clearCacheCmd(args []string) error {
	fs := pflag.NewFlagSet("clear-cache", pflag.ExitOnError)
	cacheRoot := fs.String("cache-root", "", "cache location to clear (default: the per-user cache)")

	fs.Usage = func() {
		fmt.Print(`burrow clear-cache - Remove extracted rootfs trees from the cache

Safe while no sandbox is running; the next run re-extracts from the
archive.

USAGE
    burrow clear-cache [flags]

FLAGS
`)
		fmt.Print(fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	root := *cacheRoot
	if root == "" {
		var err error
		root, err = rootfs.DefaultRoot()
		if err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("Cache %s is empty.\n", root)
			return nil
		}
		return fmt.Errorf("reading cache %s: %w", root, err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return fmt.Errorf("removing cache entry %s: %w", entry.Name(), err)
		}
		removed++
	}
	fmt.Printf("Removed %d cached rootfs tree(s) from %s.\n", removed, root)
	return nil
}
