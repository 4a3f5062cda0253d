// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"os"
)

// Workspace holds the writable directories backing one sandbox. Each
// role is either caller-provided (never deleted by the engine) or
// engine-allocated (unique temp directory, removed on Release).
type Workspace struct {
	// Session backs the sandbox user's home directory.
	Session string

	// Tmp backs the sandbox's /tmp. A plain bind mount rather than
	// bwrap's --tmpfs so contents persist across processes of the
	// same sandbox.
	Tmp string

	// OverlayUpper, OverlayWork, and OverlayMount are empty unless
	// the overlay is enabled.
	OverlayUpper string
	OverlayWork  string
	OverlayMount string

	owned []string
}

// newWorkspace allocates the directories the configuration calls for.
// On error any directories already allocated are released.
func newWorkspace(cfg *Config) (ws *Workspace, err error) {
	ws = &Workspace{}
	allocated := ws // ws itself is nil by the time an error return defers run
	defer func() {
		if err != nil {
			allocated.Release()
		}
	}()

	ws.Session, err = ws.provide(cfg.WorkDir, "burrow-session-*")
	if err != nil {
		return nil, fmt.Errorf("allocating session directory: %w", err)
	}
	ws.Tmp, err = ws.allocate("burrow-tmp-*")
	if err != nil {
		return nil, fmt.Errorf("allocating tmp directory: %w", err)
	}

	if cfg.overlayEnabled() {
		ws.OverlayUpper, err = ws.provide(cfg.OverlayPath, "burrow-upper-*")
		if err != nil {
			return nil, fmt.Errorf("allocating overlay upper directory: %w", err)
		}
		ws.OverlayWork, err = ws.allocate("burrow-work-*")
		if err != nil {
			return nil, fmt.Errorf("allocating overlay work directory: %w", err)
		}
		ws.OverlayMount, err = ws.allocate("burrow-merged-*")
		if err != nil {
			return nil, fmt.Errorf("allocating overlay mount point: %w", err)
		}
		if cfg.PersistOverlay {
			// The mount outlives Close; deleting its work and
			// mount directories would tear it down anyway.
			ws.disown(ws.OverlayWork, ws.OverlayMount)
		}
	}
	return ws, nil
}

// disown excludes directories from Release.
func (w *Workspace) disown(dirs ...string) {
	kept := w.owned[:0]
	for _, owned := range w.owned {
		drop := false
		for _, dir := range dirs {
			if owned == dir {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, owned)
		}
	}
	w.owned = kept
}

// provide uses the caller's path when given (created if missing, not
// owned) and otherwise allocates an owned directory.
func (w *Workspace) provide(path, pattern string) (string, error) {
	if path == "" {
		return w.allocate(pattern)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (w *Workspace) allocate(pattern string) (string, error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return "", err
	}
	w.owned = append(w.owned, dir)
	return dir, nil
}

// Release removes every engine-allocated directory. Caller-provided
// directories are left alone. Already-gone directories are not an
// error; permission failures are surfaced, aggregated across roles.
func (w *Workspace) Release() error {
	var errs []error
	for _, dir := range w.owned {
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing %s: %w", dir, err))
		}
	}
	w.owned = nil
	return errors.Join(errs...)
}
