// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package rootfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// CompleteMarker is the sentinel file whose presence certifies a cache
// entry as fully extracted. A directory without it is garbage from an
// interrupted extraction and is wiped before reuse.
const CompleteMarker = ".burrow-extracted"

// ErrLockTimeout is returned when another process held an entry's
// extraction lock for longer than the cache's lock timeout. It is
// transient: the competing extraction may finish and a retry succeed.
var ErrLockTimeout = errors.New("timed out waiting for rootfs extraction lock")

// Cache is the content-addressed rootfs cache shared by all sandboxes
// on the host. Entries are keyed by archive digest and live under
// <Root>/<hex-digest>/. The cache never deletes entries; external
// garbage collection owns that.
//
// A Cache is safe for concurrent use by multiple goroutines and
// multiple processes: every extraction runs under an advisory file
// lock on a sibling lockfile.
type Cache struct {
	// Root is the directory holding cache entries. Empty means
	// DefaultRoot().
	Root string

	// LockTimeout bounds how long Resolve waits for a competing
	// extraction of the same archive. Zero means 10 minutes, which
	// comfortably covers a cold multi-gigabyte rootfs on slow disks.
	LockTimeout time.Duration

	// Logger for cache operations. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultRoot returns the per-user cache root,
// ${XDG_CACHE_HOME:-~/.cache}/burrow/rootfs.
func DefaultRoot() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("determining user cache directory: %w", err)
	}
	return filepath.Join(base, "burrow", "rootfs"), nil
}

// Resolve returns the extracted directory for the archive at
// archivePath, extracting it on first use. Identical archive content
// resolves to the same directory regardless of filename, and
// extraction happens at most once across all concurrent callers.
func (c *Cache) Resolve(ctx context.Context, archivePath string) (string, error) {
	digest, err := HashArchive(archivePath)
	if err != nil {
		return "", err
	}

	root := c.Root
	if root == "" {
		root, err = DefaultRoot()
		if err != nil {
			return "", err
		}
	}
	return c.resolve(ctx, archivePath, filepath.Join(root, digest.String()))
}

// ResolveInto extracts the archive into an explicit target directory
// instead of the content-addressed location. The same lock and marker
// discipline applies, so two processes resolving into the same target
// still extract once.
func (c *Cache) ResolveInto(ctx context.Context, archivePath, targetDir string) (string, error) {
	abs, err := filepath.Abs(targetDir)
	if err != nil {
		return "", fmt.Errorf("resolving target directory: %w", err)
	}
	return c.resolve(ctx, archivePath, abs)
}

func (c *Cache) resolve(ctx context.Context, archivePath, dir string) (string, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Fast path: a complete entry needs no lock. The marker is
	// created atomically after extraction, so observing it means the
	// tree is fully usable.
	if entryComplete(dir) {
		logger.Debug("rootfs cache hit", "dir", dir)
		return dir, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("creating cache root: %w", err)
	}

	unlock, err := c.lockEntry(ctx, dir)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Re-check under the lock: a competing extraction may have
	// completed while we waited.
	if entryComplete(dir) {
		logger.Debug("rootfs cache hit after lock", "dir", dir)
		return dir, nil
	}

	// Anything present without the marker is a partial extraction.
	if _, err := os.Stat(dir); err == nil {
		logger.Warn("removing partial rootfs extraction", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("removing partial cache entry %s: %w", dir, err)
		}
	}

	logger.Info("extracting rootfs archive", "archive", archivePath, "dir", dir)
	start := time.Now()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache entry %s: %w", dir, err)
	}
	if err := Unpack(ctx, archivePath, dir); err != nil {
		// Leave no half-extracted tree behind: a later caller
		// would wipe it anyway, but failing clean keeps disk
		// pressure honest after ENOSPC.
		os.RemoveAll(dir)
		return "", err
	}

	if err := writeMarker(dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	logger.Info("rootfs extraction complete",
		"dir", dir,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return dir, nil
}

// lockEntry takes the advisory lock guarding a cache entry, polling
// with a bounded deadline so a wedged peer cannot block forever.
func (c *Cache) lockEntry(ctx context.Context, dir string) (func(), error) {
	timeout := c.LockTimeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}

	lockPath := dir + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lockfile %s: %w", lockPath, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() {
				unix.Flock(int(f.Fd()), unix.LOCK_UN)
				f.Close()
			}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s held for over %v", ErrLockTimeout, lockPath, timeout)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func entryComplete(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, CompleteMarker))
	return err == nil
}

// writeMarker creates the completion marker atomically (write a temp
// file, then rename) so a crash mid-write can never leave a marker
// certifying a broken tree.
func writeMarker(dir string) error {
	tmp, err := os.CreateTemp(dir, CompleteMarker+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating completion marker: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing completion marker: %w", err)
	}
	if err := os.Rename(name, filepath.Join(dir, CompleteMarker)); err != nil {
		os.Remove(name)
		return fmt.Errorf("publishing completion marker: %w", err)
	}
	return nil
}
