// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package rootfs

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// Unpack extracts the archive at archivePath into dir, sniffing the
// compression from magic bytes and streaming the tar without buffering
// it in memory.
//
// Member names are validated: absolute paths and ".." traversal are
// rejected. Mode bits and mtimes are preserved; ownership is restored
// when the caller has the privilege and silently kept as the caller's
// uid/gid otherwise. Regular files, directories, symlinks, hardlinks,
// and FIFOs are supported; device nodes are skipped because an
// unprivileged extractor cannot create them (the sandbox gets a fresh
// /dev from its runner anyway).
func Unpack(ctx context.Context, archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<20)
	header, err := br.Peek(detectHeaderLen)
	if err != nil && err != io.EOF && !errors.Is(err, bufio.ErrBufferFull) {
		return fmt.Errorf("reading archive header: %w", err)
	}
	kind, err := detectKind(header)
	if err != nil {
		return fmt.Errorf("archive %s: %w", archivePath, err)
	}

	stream, closeStream, err := decompressor(br, kind)
	if err != nil {
		return fmt.Errorf("archive %s: %w", archivePath, err)
	}
	defer closeStream()

	if err := untar(ctx, stream, dir); err != nil {
		return fmt.Errorf("extracting %s: %w", archivePath, err)
	}
	return nil
}

// decompressor wraps r in a reader for the given compression kind.
// The returned closer releases any decoder resources; it never closes
// the underlying reader.
func decompressor(r io.Reader, kind Kind) (io.Reader, func(), error) {
	switch kind {
	case KindNone:
		return r, func() {}, nil
	case KindZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), dec.Close, nil
	case KindGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip decoder: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case KindBzip2:
		return bzip2.NewReader(r), func() {}, nil
	case KindXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("xz decoder: %w", err)
		}
		return xr, func() {}, nil
	case KindLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported compression kind %v", kind)
	}
}

// untar extracts a tar stream into dir. Works in a single forward pass
// so it composes with streaming decompressors.
func untar(ctx context.Context, r io.Reader, dir string) error {
	tr := tar.NewReader(r)

	// Directory mtimes are restored after all members are written,
	// otherwise extracting children would bump them again.
	type dirTime struct {
		path  string
		mtime time.Time
	}
	var dirTimes []dirTime

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("corrupt tar stream: %w", err)
		}

		target, err := memberPath(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("creating directory %s: %w", hdr.Name, err)
			}
			dirTimes = append(dirTimes, dirTime{target, hdr.ModTime})

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("writing %s: %w", hdr.Name, err)
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return fmt.Errorf("setting mtime on %s: %w", hdr.Name, err)
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
			}
			// Remove any previous entry; tar streams can contain
			// the same symlink twice across layers.
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("creating symlink %s: %w", hdr.Name, err)
			}

		case tar.TypeLink:
			linkTarget, err := memberPath(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("creating hardlink %s -> %s: %w", hdr.Name, hdr.Linkname, err)
			}

		case tar.TypeFifo:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
			}
			os.Remove(target)
			if err := unix.Mkfifo(target, uint32(hdr.Mode)); err != nil {
				return fmt.Errorf("creating fifo %s: %w", hdr.Name, err)
			}

		case tar.TypeChar, tar.TypeBlock:
			// Device nodes need CAP_MKNOD.
			continue

		default:
			// Extended headers and unknown types are skipped.
			continue
		}

		// Ownership restore needs root; EPERM is the normal
		// unprivileged outcome and the entry stays owned by the
		// extracting user.
		if hdr.Typeflag != tar.TypeSymlink {
			if err := os.Chown(target, hdr.Uid, hdr.Gid); err != nil && !errors.Is(err, os.ErrPermission) && !errors.Is(err, unix.EPERM) {
				return fmt.Errorf("chown %s: %w", hdr.Name, err)
			}
		} else {
			if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil && !errors.Is(err, os.ErrPermission) && !errors.Is(err, unix.EPERM) {
				return fmt.Errorf("lchown %s: %w", hdr.Name, err)
			}
		}
	}

	for i := len(dirTimes) - 1; i >= 0; i-- {
		d := dirTimes[i]
		if err := os.Chtimes(d.path, d.mtime, d.mtime); err != nil {
			return fmt.Errorf("setting mtime on %s: %w", d.path, err)
		}
	}
	return nil
}

// memberPath resolves a tar member name against dir, rejecting
// absolute names and parent traversal.
func memberPath(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("unsafe path in archive: %q is absolute", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe path in archive: %q escapes the extraction root", name)
	}
	return filepath.Join(dir, clean), nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	// A previous extraction attempt may have left a read-only file.
	os.Remove(path)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// OpenFile's mode is filtered by umask; restore the recorded bits.
	return os.Chmod(path, mode)
}
