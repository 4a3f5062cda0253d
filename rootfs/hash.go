// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package rootfs

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of an archive digest in bytes.
const DigestSize = 32

// Digest is the BLAKE3 hash of an archive's bytes. It is the archive's
// cache identity: independent of filename, stable across hosts.
type Digest [DigestSize]byte

// String returns the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses a lowercase hex digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("invalid digest %q: got %d bytes, want %d", s, len(raw), DigestSize)
	}
	copy(d[:], raw)
	return d, nil
}

// HashArchive computes the digest of the file at path in a single
// streaming pass.
func HashArchive(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return Digest{}, fmt.Errorf("hashing archive %s: %w", path, err)
	}

	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d, nil
}
