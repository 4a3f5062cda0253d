// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Preset is a named sandbox configuration loaded from YAML. Presets
// support single inheritance via Inherit: child fields override
// parent fields, environment maps merge.
type Preset struct {
	Name        string `yaml:"-"`
	Description string `yaml:"description,omitempty"`
	Inherit     string `yaml:"inherit,omitempty"`

	Rootfs         string            `yaml:"rootfs,omitempty"`
	RootfsDir      string            `yaml:"rootfs_dir,omitempty"`
	WorkDir        string            `yaml:"work_dir,omitempty"`
	User           string            `yaml:"user,omitempty"`
	MutableRootfs  bool              `yaml:"mutable_rootfs,omitempty"`
	Network        string            `yaml:"network,omitempty"`
	Overlay        bool              `yaml:"overlay,omitempty"`
	OverlayPath    string            `yaml:"overlay_path,omitempty"`
	PersistOverlay bool              `yaml:"persist_overlay,omitempty"`
	Timeout        string            `yaml:"timeout,omitempty"`
	Shell          string            `yaml:"shell,omitempty"`
	Environment    map[string]string `yaml:"environment,omitempty"`
	Resources      ResourceConfig    `yaml:"resources,omitempty"`
}

// PresetsConfig is the top-level structure of a preset YAML file.
type PresetsConfig struct {
	Presets map[string]*Preset `yaml:"presets"`
}

// ParsePresetsConfig parses preset YAML and names each preset after
// its map key.
func ParsePresetsConfig(data []byte) (*PresetsConfig, error) {
	var config PresetsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing presets: %w", err)
	}
	for name, preset := range config.Presets {
		if preset == nil {
			return nil, fmt.Errorf("preset %q is empty", name)
		}
		preset.Name = name
	}
	return &config, nil
}

// LoadPresetsConfig loads a preset YAML file.
func LoadPresetsConfig(path string) (*PresetsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading presets file: %w", err)
	}
	config, err := ParsePresetsConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Config converts a resolved preset into a sandbox Config. Inherit
// must already be resolved.
func (p *Preset) Config() (Config, error) {
	network, err := ParseNetworkMode(p.Network)
	if err != nil {
		return Config{}, fmt.Errorf("preset %q: %w", p.Name, err)
	}
	var timeout time.Duration
	if p.Timeout != "" {
		timeout, err = time.ParseDuration(p.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("preset %q: invalid timeout: %w", p.Name, err)
		}
	}
	return Config{
		Rootfs:         p.Rootfs,
		RootfsDir:      p.RootfsDir,
		WorkDir:        p.WorkDir,
		User:           p.User,
		MutableRootfs:  p.MutableRootfs,
		Network:        network,
		Overlay:        p.Overlay,
		OverlayPath:    p.OverlayPath,
		PersistOverlay: p.PersistOverlay,
		DefaultTimeout: timeout,
		Shell:          p.Shell,
		Env:            p.Environment,
		Resources:      p.Resources,
	}, nil
}

// mergePresets merges child settings over parent. Scalars from the
// child win when set; environment maps merge key by key.
func mergePresets(parent, child *Preset) *Preset {
	merged := *parent
	merged.Name = child.Name
	merged.Inherit = ""

	if child.Description != "" {
		merged.Description = child.Description
	}
	if child.Rootfs != "" {
		merged.Rootfs = child.Rootfs
	}
	if child.RootfsDir != "" {
		merged.RootfsDir = child.RootfsDir
	}
	if child.WorkDir != "" {
		merged.WorkDir = child.WorkDir
	}
	if child.User != "" {
		merged.User = child.User
	}
	if child.MutableRootfs {
		merged.MutableRootfs = true
	}
	if child.Network != "" {
		merged.Network = child.Network
	}
	if child.Overlay {
		merged.Overlay = true
	}
	if child.OverlayPath != "" {
		merged.OverlayPath = child.OverlayPath
	}
	if child.PersistOverlay {
		merged.PersistOverlay = true
	}
	if child.Timeout != "" {
		merged.Timeout = child.Timeout
	}
	if child.Shell != "" {
		merged.Shell = child.Shell
	}
	if len(child.Environment) > 0 {
		env := make(map[string]string, len(parent.Environment)+len(child.Environment))
		for k, v := range parent.Environment {
			env[k] = v
		}
		for k, v := range child.Environment {
			env[k] = v
		}
		merged.Environment = env
	}
	if child.Resources.TasksMax != 0 {
		merged.Resources.TasksMax = child.Resources.TasksMax
	}
	if child.Resources.MemoryMax != "" {
		merged.Resources.MemoryMax = child.Resources.MemoryMax
	}
	if child.Resources.CPUQuota != "" {
		merged.Resources.CPUQuota = child.Resources.CPUQuota
	}
	if child.Resources.CPUWeight != 0 {
		merged.Resources.CPUWeight = child.Resources.CPUWeight
	}
	return &merged
}

// PresetLoader loads and resolves presets from multiple files. Later
// files override earlier ones.
type PresetLoader struct {
	configs  []*PresetsConfig
	resolved map[string]*Preset
	logger   *slog.Logger
}

// NewPresetLoader creates an empty loader.
func NewPresetLoader() *PresetLoader {
	return &PresetLoader{resolved: make(map[string]*Preset)}
}

// SetLogger enables verbose logging during preset loading.
func (l *PresetLoader) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

func (l *PresetLoader) log(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Info(msg, args...)
	}
}

// LoadFile loads presets from a YAML file.
func (l *PresetLoader) LoadFile(path string) error {
	config, err := LoadPresetsConfig(path)
	if err != nil {
		return err
	}
	l.configs = append(l.configs, config)
	l.log("loaded presets", "path", path, "count", len(config.Presets))
	return nil
}

// LoadDirectory loads all YAML files in a directory. A missing
// directory is not an error.
func (l *PresetLoader) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading preset directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := l.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Resolve looks a preset up by name and applies its inheritance
// chain.
func (l *PresetLoader) Resolve(name string) (*Preset, error) {
	return l.resolve(name, map[string]bool{})
}

func (l *PresetLoader) resolve(name string, resolving map[string]bool) (*Preset, error) {
	if preset, ok := l.resolved[name]; ok {
		return preset, nil
	}
	if resolving[name] {
		return nil, fmt.Errorf("preset inheritance cycle involving %q", name)
	}
	resolving[name] = true

	var base *Preset
	for _, config := range l.configs {
		if preset, ok := config.Presets[name]; ok {
			base = preset
		}
	}
	if base == nil {
		return nil, fmt.Errorf("preset not found: %s", name)
	}

	preset := base
	if base.Inherit != "" {
		parent, err := l.resolve(base.Inherit, resolving)
		if err != nil {
			return nil, fmt.Errorf("resolving parent of %q: %w", name, err)
		}
		preset = mergePresets(parent, base)
	}
	l.resolved[name] = preset
	return preset, nil
}

// List returns all known preset names, sorted.
func (l *PresetLoader) List() []string {
	names := make(map[string]bool)
	for _, config := range l.configs {
		for name := range config.Presets {
			names[name] = true
		}
	}
	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// PresetSearchPaths returns the standard preset file locations, in
// loading order (later overrides earlier).
func PresetSearchPaths() []string {
	paths := []string{"/etc/burrow/presets.yaml"}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "burrow", "presets.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "burrow-presets.yaml"))
	}
	return paths
}

// LoadFromSearchPaths creates a loader with the built-in presets plus
// any preset files found at the standard locations.
func LoadFromSearchPaths(logger *slog.Logger) (*PresetLoader, error) {
	loader := NewPresetLoader()
	loader.SetLogger(logger)

	config, err := ParsePresetsConfig([]byte(defaultPresetsYAML))
	if err != nil {
		return nil, fmt.Errorf("parsing built-in presets: %w", err)
	}
	loader.configs = append(loader.configs, config)

	for _, path := range PresetSearchPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loader.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return loader, nil
}

// defaultPresetsYAML contains the built-in preset definitions.
const defaultPresetsYAML = `
presets:
  default:
    description: "Isolated sandbox: loopback only, read-only rootfs"
    network: isolated
    timeout: 10s

  online:
    description: "Outbound network via userspace transport, host loopback blocked"
    inherit: default
    network: outbound

  online-host:
    description: "Outbound network with the host loopback reachable"
    inherit: default
    network: outbound-host-loopback

  writable:
    description: "Writable root via a copy-on-write overlay"
    inherit: default
    overlay: true

  batch:
    description: "Long-running isolated jobs with capped resources"
    inherit: default
    timeout: 1h
    resources:
      tasks_max: 256
      memory_max: "4G"
      cpu_quota: "200%"
`
