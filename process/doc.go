// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

// Package process supervises sandboxed child processes: streaming pipe
// or PTY I/O, stdin injection, timeouts, and orderly shutdown.
//
// A Process is created by the sandbox runner and owned by its sandbox.
// The supervisor guarantees exactly one terminal state transition
// (exited, signalled, timed out, or killed), exactly-once descriptor
// release, and that Close leaves no child or descendant running: the
// whole process group receives SIGTERM, a short grace period, then
// SIGKILL.
//
// Cancelling a context passed to Wait, Communicate, or Stream abandons
// the waiting operation but never kills the child; only a timeout or
// Close does that.
package process
