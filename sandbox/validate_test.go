// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewValidator(t *testing.T) {
	t.Parallel()

	validator := NewValidator()

	if validator.HasErrors() {
		t.Error("new validator should have no errors")
	}
	if length := len(validator.Results()); length != 0 {
		t.Errorf("new validator should have no results, got %d", length)
	}
}

func TestValidatorAccumulation(t *testing.T) {
	t.Parallel()

	validator := NewValidator()

	validator.pass("check-a", "all good")
	if validator.HasErrors() {
		t.Error("should have no errors after a pass")
	}

	validator.warn("check-b", "something is off")
	if validator.HasErrors() {
		t.Error("warnings should not count as errors")
	}
	warningResult := validator.Results()[1]
	if !warningResult.Passed || !warningResult.Warning {
		t.Error("warning result should be Passed=true Warning=true")
	}

	validator.fail("check-c", "broken")
	if !validator.HasErrors() {
		t.Error("should have errors after a fail")
	}
	failureResult := validator.Results()[2]
	if failureResult.Passed || failureResult.Warning {
		t.Error("failure result should be Passed=false Warning=false")
	}

	if length := len(validator.Results()); length != 3 {
		t.Errorf("expected 3 results, got %d", length)
	}
}

func TestValidateRootfsArchive(t *testing.T) {
	t.Parallel()

	t.Run("empty path fails", func(t *testing.T) {
		t.Parallel()
		validator := NewValidator()
		validator.ValidateRootfsArchive("")

		if !validator.HasErrors() {
			t.Fatal("expected error for empty rootfs path")
		}
		result := validator.Results()[0]
		if result.Name != "rootfs" {
			t.Errorf("expected name 'rootfs', got %q", result.Name)
		}
		if !strings.Contains(result.Message, "required") {
			t.Errorf("expected message about required path, got %q", result.Message)
		}
	})

	t.Run("non-existent path fails", func(t *testing.T) {
		t.Parallel()
		validator := NewValidator()
		validator.ValidateRootfsArchive("/nonexistent/rootfs.tar.gz")

		if !validator.HasErrors() {
			t.Fatal("expected error for non-existent archive")
		}
		result := validator.Results()[0]
		if !strings.Contains(result.Message, "does not exist") {
			t.Errorf("expected 'does not exist' message, got %q", result.Message)
		}
	})

	t.Run("directory fails", func(t *testing.T) {
		t.Parallel()
		validator := NewValidator()
		validator.ValidateRootfsArchive(t.TempDir())

		if !validator.HasErrors() {
			t.Fatal("expected error when path is a directory")
		}
		result := validator.Results()[0]
		if !strings.Contains(result.Message, "directory") {
			t.Errorf("expected 'directory' message, got %q", result.Message)
		}
	})

	t.Run("unrecognized content fails", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "garbage.tar")
		if err := os.WriteFile(path, []byte("not an archive at all"), 0o644); err != nil {
			t.Fatalf("writing test file: %v", err)
		}

		validator := NewValidator()
		validator.ValidateRootfsArchive(path)

		if !validator.HasErrors() {
			t.Fatal("expected error for unrecognized archive content")
		}
		result := validator.Results()[0]
		if !strings.Contains(result.Message, "unrecognized") {
			t.Errorf("expected 'unrecognized' message, got %q", result.Message)
		}
	})

	t.Run("gzip archive passes", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "rootfs.tar.gz")
		// Gzip magic header is enough for format detection.
		if err := os.WriteFile(path, []byte{0x1f, 0x8b, 0x08, 0x00}, 0o644); err != nil {
			t.Fatalf("writing test file: %v", err)
		}

		validator := NewValidator()
		validator.ValidateRootfsArchive(path)

		if validator.HasErrors() {
			t.Fatalf("unexpected error for gzip archive: %v", validator.Results())
		}
		result := validator.Results()[0]
		if !result.Passed {
			t.Error("expected pass for gzip archive")
		}
	})
}

func TestValidateWorkDir(t *testing.T) {
	t.Parallel()

	t.Run("missing directory passes as will-be-created", func(t *testing.T) {
		t.Parallel()
		validator := NewValidator()
		validator.ValidateWorkDir(filepath.Join(t.TempDir(), "not-yet"))

		if validator.HasErrors() {
			t.Fatalf("missing work dir should not fail: %v", validator.Results())
		}
		result := validator.Results()[0]
		if !strings.Contains(result.Message, "will be created") {
			t.Errorf("expected 'will be created' message, got %q", result.Message)
		}
	})

	t.Run("file instead of directory fails", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "not-a-dir")
		if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
			t.Fatalf("creating test file: %v", err)
		}

		validator := NewValidator()
		validator.ValidateWorkDir(path)

		if !validator.HasErrors() {
			t.Fatal("expected error when path is a file")
		}
		result := validator.Results()[0]
		if !strings.Contains(result.Message, "not a directory") {
			t.Errorf("expected 'not a directory' message, got %q", result.Message)
		}
	})

	t.Run("existing directory passes", func(t *testing.T) {
		t.Parallel()
		validator := NewValidator()
		validator.ValidateWorkDir(t.TempDir())

		if validator.HasErrors() {
			t.Fatalf("unexpected error for valid directory: %v", validator.Results())
		}
		result := validator.Results()[0]
		if !result.Passed {
			t.Error("expected pass for valid directory")
		}
	})
}

func TestValidateCacheRoot(t *testing.T) {
	t.Parallel()

	t.Run("writable directory passes", func(t *testing.T) {
		t.Parallel()
		validator := NewValidator()
		validator.ValidateCacheRoot(t.TempDir())

		if validator.HasErrors() {
			t.Fatalf("unexpected error for writable cache root: %v", validator.Results())
		}
		result := validator.Results()[0]
		if !strings.Contains(result.Message, "writable") {
			t.Errorf("expected 'writable' message, got %q", result.Message)
		}
	})

	t.Run("missing directory is created", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "cache", "nested")
		validator := NewValidator()
		validator.ValidateCacheRoot(dir)

		if validator.HasErrors() {
			t.Fatalf("unexpected error: %v", validator.Results())
		}
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("cache root was not created: %v", err)
		}
	})
}

func TestPrintResults(t *testing.T) {
	t.Parallel()

	t.Run("pass and warn and fail formatting", func(t *testing.T) {
		t.Parallel()
		validator := NewValidator()
		validator.pass("check-a", "looks good")
		validator.warn("check-b", "might be a problem")
		validator.fail("check-c", "definitely broken")

		var buffer bytes.Buffer
		validator.PrintResults(&buffer)
		output := buffer.String()

		if !strings.Contains(output, "[ok] check-a: looks good") {
			t.Errorf("expected pass line, got:\n%s", output)
		}
		if !strings.Contains(output, "[warn] check-b: might be a problem") {
			t.Errorf("expected warning line, got:\n%s", output)
		}
		if !strings.Contains(output, "[FAIL] check-c: definitely broken") {
			t.Errorf("expected failure line, got:\n%s", output)
		}
		if !strings.Contains(output, "Preflight failed: 1 check(s) did not pass") {
			t.Errorf("expected failure verdict, got:\n%s", output)
		}
	})

	t.Run("all passing shows ready message", func(t *testing.T) {
		t.Parallel()
		validator := NewValidator()
		validator.pass("check-a", "fine")
		validator.warn("check-b", "just a warning")

		var buffer bytes.Buffer
		validator.PrintResults(&buffer)

		if !strings.Contains(buffer.String(), "Preflight passed") {
			t.Errorf("expected passing verdict when no errors, got:\n%s", buffer.String())
		}
	})

	t.Run("multiple failures counted correctly", func(t *testing.T) {
		t.Parallel()
		validator := NewValidator()
		validator.fail("check-a", "broken")
		validator.fail("check-b", "also broken")
		validator.fail("check-c", "really broken")

		var buffer bytes.Buffer
		validator.PrintResults(&buffer)

		if !strings.Contains(buffer.String(), "Preflight failed: 3 check(s) did not pass") {
			t.Errorf("expected '3 check(s)' in verdict, got:\n%s", buffer.String())
		}
	})
}

func TestValidateConfigOrdering(t *testing.T) {
	t.Parallel()

	// A config that needs no optional tools: only the base checks run.
	cfg := &Config{Rootfs: "/nonexistent/rootfs.tar", CacheRoot: t.TempDir()}
	validator := NewValidator()
	validator.ValidateConfig(cfg)

	names := make(map[string]bool)
	for _, r := range validator.Results() {
		names[r.Name] = true
	}
	for _, want := range []string{"bwrap", "userns", "rootfs", "cache"} {
		if !names[want] {
			t.Errorf("missing %q check in results: %v", want, names)
		}
	}
	if names["overlay"] || names["network"] || names["systemd"] {
		t.Error("optional checks should not run for a plain config")
	}

	// Overlay and outbound configs pull in their tool checks.
	cfg = &Config{
		Rootfs:    "/nonexistent/rootfs.tar",
		CacheRoot: t.TempDir(),
		Overlay:   true,
		Network:   NetworkOutbound,
	}
	validator = NewValidator()
	validator.ValidateConfig(cfg)

	names = make(map[string]bool)
	for _, r := range validator.Results() {
		names[r.Name] = true
	}
	if !names["overlay"] {
		t.Error("expected overlay check for overlay config")
	}
	if !names["network"] {
		t.Error("expected network check for outbound config")
	}
}
