// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/burrow-sh/burrow/rootfs"
)

// ValidationResult holds the outcome of one preflight check.
type ValidationResult struct {
	Name    string
	Passed  bool
	Message string
	Warning bool // True if this is a warning, not an error.
}

// status renders the result as a short report tag.
func (r ValidationResult) status() string {
	switch {
	case !r.Passed:
		return "FAIL"
	case r.Warning:
		return "warn"
	}
	return "ok"
}

// Validator accumulates preflight check results for a sandbox
// configuration.
type Validator struct {
	results []ValidationResult
	errors  int
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Results returns all validation results.
func (v *Validator) Results() []ValidationResult {
	return v.results
}

// HasErrors returns true if any validation failed.
func (v *Validator) HasErrors() bool {
	return v.errors > 0
}

// record appends a result and keeps the failure count in step.
func (v *Validator) record(r ValidationResult) {
	v.results = append(v.results, r)
	if !r.Passed {
		v.errors++
	}
}

func (v *Validator) pass(name, message string) {
	v.record(ValidationResult{Name: name, Passed: true, Message: message})
}

func (v *Validator) warn(name, message string) {
	v.record(ValidationResult{Name: name, Passed: true, Warning: true, Message: message})
}

func (v *Validator) fail(name, message string) {
	v.record(ValidationResult{Name: name, Message: message})
}

// ValidateConfig runs every check relevant to the given configuration:
// host tools first, then the configuration's own paths.
func (v *Validator) ValidateConfig(cfg *Config) {
	v.ValidateBwrap()
	v.ValidateUserNamespaces()
	if cfg.overlayEnabled() {
		v.ValidateFuseOverlayfs()
	}
	if cfg.Network.outboundMode() {
		v.ValidateSlirp4netns()
	}
	if cfg.Resources.HasLimits() {
		v.ValidateSystemd()
	}
	v.ValidateRootfsArchive(cfg.Rootfs)
	v.ValidateCacheRoot(cfg.CacheRoot)
	if cfg.WorkDir != "" {
		v.ValidateWorkDir(cfg.WorkDir)
	}
}

// ValidateBwrap checks that a runnable bubblewrap binary is present.
func (v *Validator) ValidateBwrap() {
	path, err := BwrapPath()
	if err != nil {
		v.fail("bwrap", "bubblewrap not found in standard locations")
		return
	}
	if info, err := os.Stat(path); err != nil || info.Mode()&0o111 == 0 {
		v.fail("bwrap", fmt.Sprintf("%s is not an executable", path))
		return
	}
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		v.warn("bwrap", fmt.Sprintf("%s does not answer --version", path))
		return
	}
	v.pass("bwrap", fmt.Sprintf("%s (%s)", path, strings.TrimSpace(string(out))))
}

// ValidateUserNamespaces checks the userns sysctl. Unlike the
// capability probe this never spawns a namespace, so it stays cheap
// enough for every preflight.
func (v *Validator) ValidateUserNamespaces() {
	data, err := os.ReadFile(usernsSysctl)
	switch {
	case os.IsNotExist(err):
		v.pass("userns", "kernel has no userns restriction")
	case err != nil:
		v.warn("userns", fmt.Sprintf("cannot read %s: %v", usernsSysctl, err))
	case strings.TrimSpace(string(data)) == "0":
		v.fail("userns", "unprivileged user namespaces are disabled (set kernel.unprivileged_userns_clone=1)")
	default:
		v.pass("userns", "user namespaces enabled")
	}
}

// ValidateFuseOverlayfs checks that fuse-overlayfs is available for
// overlay mode.
func (v *Validator) ValidateFuseOverlayfs() {
	path, err := exec.LookPath("fuse-overlayfs")
	if err != nil {
		v.fail("overlay", "fuse-overlayfs not found (required for overlay mode)")
		return
	}
	if _, err := exec.LookPath("fusermount"); err != nil {
		if _, err := exec.LookPath("fusermount3"); err != nil {
			v.fail("overlay", "fusermount not found (required to unmount overlays)")
			return
		}
	}
	v.pass("overlay", fmt.Sprintf("fuse-overlayfs available: %s", path))
}

// ValidateSlirp4netns checks that slirp4netns and nsenter are available
// for the outbound network modes.
func (v *Validator) ValidateSlirp4netns() {
	path, err := exec.LookPath("slirp4netns")
	if err != nil {
		v.fail("network", "slirp4netns not found (required for outbound network modes)")
		return
	}
	for _, tool := range []string{"unshare", "nsenter"} {
		if _, err := exec.LookPath(tool); err != nil {
			v.fail("network", fmt.Sprintf("%s not found (required for outbound network modes)", tool))
			return
		}
	}
	v.pass("network", fmt.Sprintf("slirp4netns available: %s", path))
}

// ValidateSystemd checks that systemd-run can open user scopes, which
// resource limits need. Both failure modes are warnings since the
// sandbox still runs without limits.
func (v *Validator) ValidateSystemd() {
	path, err := exec.LookPath("systemd-run")
	if err != nil {
		v.warn("systemd", "systemd-run not found; resource limits will not be enforced")
		return
	}
	if exec.Command(path, "--user", "--scope", "--", "true").Run() != nil {
		v.warn("systemd", "systemd-run cannot open user scopes; resource limits will not be enforced")
		return
	}
	v.pass("systemd", fmt.Sprintf("%s (user scopes work)", path))
}

// ValidateRootfsArchive checks that the rootfs archive exists and its
// compression format is recognized.
func (v *Validator) ValidateRootfsArchive(path string) {
	if path == "" {
		v.fail("rootfs", "rootfs archive path is required")
		return
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		v.fail("rootfs", fmt.Sprintf("cannot resolve path: %v", err))
		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			v.fail("rootfs", fmt.Sprintf("does not exist: %s", absPath))
		} else {
			v.fail("rootfs", fmt.Sprintf("cannot access: %v", err))
		}
		return
	}
	if info.IsDir() {
		v.fail("rootfs", fmt.Sprintf("is a directory, want an archive: %s", absPath))
		return
	}

	kind, err := rootfs.DetectKindFile(absPath)
	if err != nil {
		v.fail("rootfs", fmt.Sprintf("unrecognized archive format: %v", err))
		return
	}

	v.pass("rootfs", fmt.Sprintf("archive readable: %s (%s)", absPath, kind))
}

// ValidateCacheRoot checks that the rootfs cache location is writable.
func (v *Validator) ValidateCacheRoot(cacheRoot string) {
	dir := cacheRoot
	if dir == "" {
		var err error
		dir, err = rootfs.DefaultRoot()
		if err != nil {
			v.fail("cache", fmt.Sprintf("cannot determine cache root: %v", err))
			return
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		v.fail("cache", fmt.Sprintf("cannot create cache root %s: %v", dir, err))
		return
	}

	probe, err := os.CreateTemp(dir, ".burrow-validate-*")
	if err != nil {
		v.fail("cache", fmt.Sprintf("cache root not writable: %v", err))
		return
	}
	probe.Close()
	os.Remove(probe.Name())

	v.pass("cache", fmt.Sprintf("cache root writable: %s", dir))
}

// ValidateWorkDir checks a caller-provided session directory. A missing
// directory is fine since Open creates it.
func (v *Validator) ValidateWorkDir(workDir string) {
	absPath, err := filepath.Abs(workDir)
	if err != nil {
		v.fail("work_dir", fmt.Sprintf("cannot resolve path: %v", err))
		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			v.pass("work_dir", fmt.Sprintf("will be created: %s", absPath))
		} else {
			v.fail("work_dir", fmt.Sprintf("cannot access: %v", err))
		}
		return
	}

	if !info.IsDir() {
		v.fail("work_dir", fmt.Sprintf("not a directory: %s", absPath))
		return
	}

	v.pass("work_dir", fmt.Sprintf("exists: %s", absPath))
}

// PrintResults writes a check-by-check report followed by a verdict
// line.
func (v *Validator) PrintResults(w io.Writer) {
	for _, r := range v.results {
		fmt.Fprintf(w, "[%s] %s: %s\n", r.status(), r.Name, r.Message)
	}

	fmt.Fprintln(w)
	if v.HasErrors() {
		fmt.Fprintf(w, "Preflight failed: %d check(s) did not pass\n", v.errors)
	} else {
		fmt.Fprintln(w, "Preflight passed; this configuration can run here")
	}
}
