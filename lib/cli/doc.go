// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli holds the shared plumbing for Burrow binaries: the
// entrypoint error handler, logger construction, and signal-aware
// contexts. Binaries keep main() small by delegating here.
package cli
