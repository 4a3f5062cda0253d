// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func loaderFromYAML(t *testing.T, docs ...string) *PresetLoader {
	t.Helper()
	loader := NewPresetLoader()
	for _, doc := range docs {
		config, err := ParsePresetsConfig([]byte(doc))
		if err != nil {
			t.Fatalf("parsing presets: %v", err)
		}
		loader.configs = append(loader.configs, config)
	}
	return loader
}

func TestParsePresetsConfig(t *testing.T) {
	t.Parallel()

	config, err := ParsePresetsConfig([]byte(`
presets:
  base:
    description: "Base preset"
    network: isolated
    timeout: 30s
    environment:
      LANG: C.UTF-8
`))
	if err != nil {
		t.Fatalf("ParsePresetsConfig failed: %v", err)
	}

	preset := config.Presets["base"]
	if preset == nil {
		t.Fatal("preset 'base' not found")
	}
	if preset.Name != "base" {
		t.Errorf("preset name = %q, want 'base' (from map key)", preset.Name)
	}
	if preset.Network != "isolated" {
		t.Errorf("network = %q, want isolated", preset.Network)
	}
	if preset.Environment["LANG"] != "C.UTF-8" {
		t.Errorf("environment not parsed: %v", preset.Environment)
	}
}

func TestParsePresetsConfigRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := ParsePresetsConfig([]byte("presets:\n  hollow:\n"))
	if err == nil {
		t.Fatal("expected error for empty preset")
	}
	if !strings.Contains(err.Error(), "hollow") {
		t.Errorf("error should name the preset: %v", err)
	}
}

func TestPresetInheritance(t *testing.T) {
	t.Parallel()

	loader := loaderFromYAML(t, `
presets:
  base:
    description: "Base"
    network: isolated
    timeout: 10s
    user: worker
    environment:
      LANG: C.UTF-8
      DEBUG: "0"
    resources:
      tasks_max: 100
      memory_max: "4G"
  child:
    inherit: base
    description: "Child"
    network: outbound
    environment:
      DEBUG: "1"
      EXTRA: value
    resources:
      memory_max: "2G"
`)

	preset, err := loader.Resolve("child")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if preset.Name != "child" {
		t.Errorf("name = %q, want child", preset.Name)
	}
	if preset.Inherit != "" {
		t.Errorf("inherit should be cleared after merge, got %q", preset.Inherit)
	}
	if preset.Network != "outbound" {
		t.Errorf("child network should win, got %q", preset.Network)
	}
	if preset.Timeout != "10s" {
		t.Errorf("timeout should be inherited, got %q", preset.Timeout)
	}
	if preset.User != "worker" {
		t.Errorf("user should be inherited, got %q", preset.User)
	}

	// Environment merges key by key.
	if preset.Environment["LANG"] != "C.UTF-8" {
		t.Errorf("LANG should be inherited, got %q", preset.Environment["LANG"])
	}
	if preset.Environment["DEBUG"] != "1" {
		t.Errorf("DEBUG should be overridden, got %q", preset.Environment["DEBUG"])
	}
	if preset.Environment["EXTRA"] != "value" {
		t.Errorf("EXTRA should be added, got %q", preset.Environment["EXTRA"])
	}

	// Resources merge field by field.
	if preset.Resources.TasksMax != 100 {
		t.Errorf("tasks_max should be inherited, got %d", preset.Resources.TasksMax)
	}
	if preset.Resources.MemoryMax != "2G" {
		t.Errorf("memory_max should be overridden, got %q", preset.Resources.MemoryMax)
	}

	// The parent must not be mutated.
	parent, err := loader.Resolve("base")
	if err != nil {
		t.Fatalf("Resolve(base) failed: %v", err)
	}
	if parent.Environment["DEBUG"] != "0" {
		t.Error("parent environment was mutated by merge")
	}
	if parent.Network != "isolated" {
		t.Error("parent network was mutated by merge")
	}
}

func TestPresetInheritanceChain(t *testing.T) {
	t.Parallel()

	loader := loaderFromYAML(t, `
presets:
  a:
    network: isolated
    timeout: 5s
  b:
    inherit: a
    timeout: 10s
  c:
    inherit: b
    user: deep
`)

	preset, err := loader.Resolve("c")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if preset.Network != "isolated" {
		t.Errorf("network should flow from grandparent, got %q", preset.Network)
	}
	if preset.Timeout != "10s" {
		t.Errorf("timeout should come from parent, got %q", preset.Timeout)
	}
	if preset.User != "deep" {
		t.Errorf("user should come from the preset itself, got %q", preset.User)
	}
}

func TestPresetInheritanceCycle(t *testing.T) {
	t.Parallel()

	loader := loaderFromYAML(t, `
presets:
  a:
    inherit: b
  b:
    inherit: a
`)

	_, err := loader.Resolve("a")
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error should mention the cycle: %v", err)
	}
}

func TestPresetNotFound(t *testing.T) {
	t.Parallel()

	loader := loaderFromYAML(t, "presets:\n  only:\n    network: isolated\n")
	if _, err := loader.Resolve("missing"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestPresetLaterFilesOverride(t *testing.T) {
	t.Parallel()

	loader := loaderFromYAML(t,
		"presets:\n  shared:\n    network: isolated\n    timeout: 10s\n",
		"presets:\n  shared:\n    network: disabled\n",
	)

	preset, err := loader.Resolve("shared")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if preset.Network != "disabled" {
		t.Errorf("later file should override, got %q", preset.Network)
	}
	// Override replaces, not merges: the earlier timeout is gone.
	if preset.Timeout != "" {
		t.Errorf("expected replacement semantics across files, got timeout %q", preset.Timeout)
	}
}

func TestPresetConfig(t *testing.T) {
	t.Parallel()

	preset := &Preset{
		Name:    "test",
		Rootfs:  "/images/alpine.tar.zst",
		Network: "outbound",
		Timeout: "90s",
		Shell:   "/bin/bash",
		Environment: map[string]string{
			"CI": "true",
		},
		Resources: ResourceConfig{MemoryMax: "1G"},
	}

	cfg, err := preset.Config()
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	if cfg.Rootfs != "/images/alpine.tar.zst" {
		t.Errorf("rootfs = %q", cfg.Rootfs)
	}
	if cfg.Network != NetworkOutbound {
		t.Errorf("network = %q, want outbound", cfg.Network)
	}
	if cfg.DefaultTimeout != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", cfg.DefaultTimeout)
	}
	if cfg.Env["CI"] != "true" {
		t.Errorf("env not carried: %v", cfg.Env)
	}
	if cfg.Resources.MemoryMax != "1G" {
		t.Errorf("resources not carried: %+v", cfg.Resources)
	}
}

func TestPresetConfigRejectsBadValues(t *testing.T) {
	t.Parallel()

	if _, err := (&Preset{Name: "t", Network: "wifi"}).Config(); err == nil {
		t.Error("expected error for unknown network mode")
	}
	if _, err := (&Preset{Name: "t", Timeout: "soon"}).Config(); err == nil {
		t.Error("expected error for unparseable timeout")
	}
}

func TestBuiltinPresets(t *testing.T) {
	t.Parallel()

	config, err := ParsePresetsConfig([]byte(defaultPresetsYAML))
	if err != nil {
		t.Fatalf("built-in presets must parse: %v", err)
	}

	loader := NewPresetLoader()
	loader.configs = append(loader.configs, config)

	for _, name := range []string{"default", "online", "online-host", "writable", "batch"} {
		preset, err := loader.Resolve(name)
		if err != nil {
			t.Errorf("built-in preset %q does not resolve: %v", name, err)
			continue
		}
		if _, err := preset.Config(); err != nil {
			t.Errorf("built-in preset %q does not convert: %v", name, err)
		}
	}

	online, err := loader.Resolve("online")
	if err != nil {
		t.Fatalf("Resolve(online): %v", err)
	}
	if online.Network != "outbound" {
		t.Errorf("online network = %q, want outbound", online.Network)
	}
	if online.Timeout != "10s" {
		t.Errorf("online should inherit the default timeout, got %q", online.Timeout)
	}

	writable, err := loader.Resolve("writable")
	if err != nil {
		t.Fatalf("Resolve(writable): %v", err)
	}
	if !writable.Overlay {
		t.Error("writable preset should enable the overlay")
	}
}

func TestPresetLoaderDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	write("a.yaml", "presets:\n  alpha:\n    network: isolated\n")
	write("b.yml", "presets:\n  beta:\n    network: disabled\n")
	write("ignored.txt", "not yaml\n")

	loader := NewPresetLoader()
	if err := loader.LoadDirectory(dir); err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}

	names := loader.List()
	if !slices.Equal(names, []string{"alpha", "beta"}) {
		t.Errorf("List() = %v, want [alpha beta]", names)
	}

	// A missing directory is not an error.
	if err := loader.LoadDirectory(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("missing directory should be ignored: %v", err)
	}
}
