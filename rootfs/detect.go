// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package rootfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Kind identifies the compression wrapping a rootfs tar stream.
type Kind int

const (
	// KindNone is a bare, uncompressed tar archive.
	KindNone Kind = iota

	// KindZstd is a zstd-framed tar archive.
	KindZstd

	// KindGzip is a gzip-compressed tar archive.
	KindGzip

	// KindBzip2 is a bzip2-compressed tar archive.
	KindBzip2

	// KindXz is an xz-compressed tar archive.
	KindXz

	// KindLZ4 is an lz4-framed tar archive.
	KindLZ4
)

// String returns the human-readable name of a compression kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindZstd:
		return "zstd"
	case KindGzip:
		return "gzip"
	case KindBzip2:
		return "bzip2"
	case KindXz:
		return "xz"
	case KindLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// detectHeaderLen is how many bytes of prefix DetectKind needs. 262
// covers the longest magic we look for: the "ustar" signature at tar
// offset 257 plus its 5 bytes.
const detectHeaderLen = 262

// magic prefixes for the supported compression formats.
var (
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte{'B', 'Z', 'h'}
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicLZ4   = []byte{0x04, 0x22, 0x4d, 0x18}
)

// DetectKind sniffs the compression kind from the first bytes of r.
// The reader is consumed; callers that need the stream afterwards
// should wrap it in a buffered reader and peek instead (see Unpack).
//
// A stream that matches no compression magic is accepted as a bare tar
// only if it carries the "ustar" signature at offset 257; anything else
// is an unknown-compression error.
func DetectKind(r io.Reader) (Kind, error) {
	header := make([]byte, detectHeaderLen)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return KindNone, fmt.Errorf("reading archive header: %w", err)
	}
	return detectKind(header[:n])
}

// DetectKindFile sniffs the compression kind of the archive at path.
func DetectKindFile(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return KindNone, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()
	return DetectKind(f)
}

func detectKind(header []byte) (Kind, error) {
	switch {
	case bytes.HasPrefix(header, magicZstd):
		return KindZstd, nil
	case bytes.HasPrefix(header, magicGzip):
		return KindGzip, nil
	case bytes.HasPrefix(header, magicBzip2):
		return KindBzip2, nil
	case bytes.HasPrefix(header, magicXz):
		return KindXz, nil
	case bytes.HasPrefix(header, magicLZ4):
		return KindLZ4, nil
	}

	// Bare tar: POSIX ustar magic at offset 257. GNU tar writes
	// "ustar " there; POSIX writes "ustar\x00". Match the common
	// 5-byte prefix.
	if len(header) >= 262 && bytes.Equal(header[257:262], []byte("ustar")) {
		return KindNone, nil
	}

	return KindNone, fmt.Errorf("unrecognized archive format: not a tar stream or a supported compression (zstd, gzip, bzip2, xz, lz4)")
}
