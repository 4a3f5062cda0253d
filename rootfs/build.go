// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package rootfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// BuildOptions configures Build.
type BuildOptions struct {
	// Recipe is the container-image recipe (Dockerfile) describing
	// the rootfs contents.
	Recipe string

	// Output is the path of the zstd-compressed tarball to write.
	Output string

	// Level is the zstd compression level. Zero means
	// zstd.SpeedBetterCompression, a reasonable tradeoff for an
	// archive that is built rarely and extracted often.
	Level zstd.EncoderLevel

	// ContextDir is the build context passed to the container
	// builder. Empty means the recipe's directory.
	ContextDir string

	// Logger for build progress. Nil means slog.Default().
	Logger *slog.Logger
}

// buildImageName is the throwaway image/container name used while
// exporting. A fixed name keeps repeated builds from accumulating
// containers.
const buildImageName = "burrow-rootfs-build"

// Build produces a zstd-compressed rootfs tarball from a
// container-image recipe by driving an external container builder:
// build the image, create a container from it, export the container's
// filesystem, and compress the exported tar. Docker must be installed
// and usable by the calling user.
func Build(ctx context.Context, opts BuildOptions) error {
	if opts.Recipe == "" {
		return fmt.Errorf("recipe path is required")
	}
	if opts.Output == "" {
		return fmt.Errorf("output path is required")
	}
	docker, err := exec.LookPath("docker")
	if err != nil {
		return fmt.Errorf("docker not found: %w (rootfs building requires a container builder)", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	contextDir := opts.ContextDir
	if contextDir == "" {
		contextDir = filepath.Dir(opts.Recipe)
	}
	level := opts.Level
	if level == 0 {
		level = zstd.SpeedBetterCompression
	}

	// Stale container from an interrupted previous build.
	exec.CommandContext(ctx, docker, "rm", "-f", buildImageName).Run()

	logger.Info("building rootfs image", "recipe", opts.Recipe)
	build := exec.CommandContext(ctx, docker, "build", "-t", buildImageName, "-f", opts.Recipe, contextDir)
	build.Stdout = os.Stderr
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("container build failed: %w", err)
	}

	create := exec.CommandContext(ctx, docker, "create", "--name", buildImageName, buildImageName)
	if out, err := create.CombinedOutput(); err != nil {
		return fmt.Errorf("container create failed: %w\n%s", err, out)
	}
	defer exec.Command(docker, "rm", "-f", buildImageName).Run()

	out, err := os.Create(opts.Output)
	if err != nil {
		return fmt.Errorf("creating output %s: %w", opts.Output, err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}

	logger.Info("exporting rootfs", "output", opts.Output, "level", level)
	export := exec.CommandContext(ctx, docker, "export", buildImageName)
	export.Stdout = enc
	export.Stderr = os.Stderr
	if err := export.Run(); err != nil {
		enc.Close()
		os.Remove(opts.Output)
		return fmt.Errorf("container export failed: %w", err)
	}
	if err := enc.Close(); err != nil {
		os.Remove(opts.Output)
		return fmt.Errorf("finishing zstd stream: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(opts.Output)
		return fmt.Errorf("writing %s: %w", opts.Output, err)
	}

	logger.Info("rootfs archive built", "output", opts.Output)
	return nil
}
