// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

// Package rootfs manages root-filesystem archives for sandboxes: content
// detection, hashing, extraction, and a content-addressed cache shared by
// all sandboxes on the host.
//
// Archives are tar streams, optionally wrapped in zstd, gzip, bzip2, xz,
// or lz4 compression. Compression is detected from magic bytes, never
// from the filename. Cache identity is the BLAKE3 hash of the archive
// bytes, so two copies of the same archive under different names extract
// exactly once.
//
// Cache entries live under <cache-root>/rootfs/<hex-hash>/ and are
// guarded by an advisory file lock plus a completion marker, making
// concurrent first use safe across processes. Entries are never deleted
// by this package; garbage collection is an external concern.
package rootfs
