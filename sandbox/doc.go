// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox creates isolated execution environments on Linux
// using bubblewrap (bwrap) namespaces.
//
// The central type is [Sandbox], which combines a cached root
// filesystem (package rootfs), a writable session workspace, an
// optional fuse-overlayfs copy-on-write layer ([OverlayManager]), and
// a network policy ([NetworkMode], provisioned by [Network]) into an
// environment that shell commands run in under supervision (package
// process).
//
// The lifecycle is constructed, open, closing, closed. [Sandbox.Open]
// resolves the rootfs through the shared cache, allocates workspace
// directories, mounts the overlay, and provisions network helpers; a
// failure at any step rolls back the steps already performed.
// [Sandbox.Close] terminates live processes, stops helpers, unmounts,
// and releases engine-allocated directories. Close is idempotent and
// safe to defer on every exit path.
//
// Filesystem isolation is the primary security boundary: the rootfs
// is bind-mounted read-only (read-write only when the configuration
// explicitly marks it mutable), the session directory and the
// sandbox-private /tmp backing are the only writable host paths, and
// /dev and /proc are fresh minimal instances.
// The child always starts with a cleared environment and a curated
// allowlist.
//
// [Preset] provides named YAML configurations with single inheritance.
// [Validator] performs pre-flight checks used by the validate command,
// [Capabilities] probes the host for available features, and
// [ContainmentRunner] verifies isolation by running a battery of
// probes inside a live sandbox: escape attempts that must fail, and
// checks of the expected environment (writable home and /tmp, the
// mapped UID, the hostname) that must pass.
// Optional cgroup v2 resource limits ride on systemd transient scopes
// ([SystemdScope]).
package sandbox
