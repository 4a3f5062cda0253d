// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ResourceConfig defines cgroup v2 resource limits applied via
// systemd transient scopes.
type ResourceConfig struct {
	TasksMax  int    `yaml:"tasks_max,omitempty"`
	MemoryMax string `yaml:"memory_max,omitempty"`
	CPUQuota  string `yaml:"cpu_quota,omitempty"`

	// CPUWeight is the cgroup v2 cpu.weight value (1-10000, default
	// 100), controlling relative CPU time under contention. Zero
	// means the cgroup default.
	CPUWeight int `yaml:"cpu_weight,omitempty"`
}

// properties renders the configured limits as systemd-run
// --property flags. Zero and empty values render nothing.
func (r ResourceConfig) properties() []string {
	var props []string
	add := func(key, value string) {
		props = append(props, "--property="+key+"="+value)
	}
	if r.TasksMax > 0 {
		add("TasksMax", strconv.Itoa(r.TasksMax))
	}
	if r.MemoryMax != "" {
		add("MemoryMax", r.MemoryMax)
	}
	if r.CPUQuota != "" {
		add("CPUQuota", r.CPUQuota)
	}
	if r.CPUWeight > 0 {
		add("CPUWeight", strconv.Itoa(r.CPUWeight))
	}
	return props
}

// HasLimits returns true if any resource limit is configured.
func (r ResourceConfig) HasLimits() bool {
	return len(r.properties()) > 0
}

// SystemdScope wraps command execution in a systemd transient scope
// so resource limits apply to the whole sandbox process tree.
type SystemdScope struct {
	// Name is the scope unit name (e.g. "burrow-sandbox-1a2b").
	Name string

	// Resources defines the limits.
	Resources ResourceConfig

	// User runs the scope in the user manager (--user).
	User bool
}

// NewSystemdScope creates a scope wrapper defaulting to the user
// manager.
func NewSystemdScope(name string, resources ResourceConfig) *SystemdScope {
	return &SystemdScope{Name: name, Resources: resources, User: true}
}

// Available checks if systemd-run is present.
func (s *SystemdScope) Available() bool {
	_, err := exec.LookPath("systemd-run")
	return err == nil
}

// WrapCommand prefixes cmd with a systemd-run invocation carrying the
// configured limits. With no limits, or without systemd-run on the
// host, cmd comes back unchanged.
func (s *SystemdScope) WrapCommand(cmd []string) []string {
	props := s.Resources.properties()
	if len(props) == 0 || !s.Available() {
		return cmd
	}

	run := make([]string, 0, len(props)+len(cmd)+5)
	run = append(run, "systemd-run")
	if s.User {
		run = append(run, "--user")
	}
	run = append(run, "--scope")
	if s.Name != "" {
		run = append(run, "--unit="+s.Name)
	}
	run = append(run, props...)
	run = append(run, "--")
	return append(run, cmd...)
}

// memoryUnits maps the single-letter binary suffixes systemd accepts
// to their shift amount.
var memoryUnits = []struct {
	suffix string
	shift  uint
}{
	{"K", 10},
	{"M", 20},
	{"G", 30},
	{"T", 40},
}

// ParseMemoryLimit converts a limit string like "2G" or "512M" into
// bytes. Empty or "infinity" means unlimited (zero).
func ParseMemoryLimit(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "infinity" {
		return 0, nil
	}

	num := s
	var shift uint
	for _, u := range memoryUnits {
		if rest, ok := strings.CutSuffix(s, u.suffix); ok {
			num, shift = rest, u.shift
			break
		}
	}

	value, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return value << shift, nil
}

// ParseCPUQuota converts a quota string like "200%" into a percentage.
// Empty or "infinity" means unlimited (zero).
func ParseCPUQuota(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "infinity" {
		return 0, nil
	}

	num, _ := strings.CutSuffix(s, "%")
	pct, err := strconv.Atoi(num)
	if err != nil {
		return 0, fmt.Errorf("invalid CPU quota %q: %w", s, err)
	}
	return pct, nil
}
