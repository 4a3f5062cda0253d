// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefaultContainmentTests(t *testing.T) {
	t.Parallel()

	isolated := DefaultContainmentTests(NetworkIsolated)
	outbound := DefaultContainmentTests(NetworkOutbound)

	names := func(tests []ContainmentTest) map[string]bool {
		m := make(map[string]bool)
		for _, test := range tests {
			m[test.Name] = true
		}
		return m
	}

	if !names(isolated)["network-isolated"] {
		t.Error("isolated mode should include the network check")
	}
	if names(outbound)["network-isolated"] {
		t.Error("outbound mode must not expect a loopback-only interface list")
	}

	for _, test := range isolated {
		if test.Command == "" || test.Check == nil {
			t.Errorf("test %q is missing its command or check", test.Name)
		}
		if test.Severity != "critical" && test.Severity != "warning" {
			t.Errorf("test %q has unknown severity %q", test.Name, test.Severity)
		}
	}
}

func TestContainmentChecks(t *testing.T) {
	t.Parallel()

	find := func(name string) ContainmentTest {
		for _, test := range DefaultContainmentTests(NetworkIsolated) {
			if test.Name == name {
				return test
			}
		}
		t.Fatalf("test %q not found", name)
		return ContainmentTest{}
	}

	shadow := find("shadow-unreadable")
	if err := shadow.Check(1, []byte("cat: /etc/shadow: Permission denied")); err != nil {
		t.Errorf("denied read should pass: %v", err)
	}
	if err := shadow.Check(0, []byte("root:*:19000::::::")); err == nil {
		t.Error("a successful read must fail the check")
	}

	uid := find("uid-mapped")
	if err := uid.Check(0, []byte("1000\n")); err != nil {
		t.Errorf("uid 1000 should pass: %v", err)
	}
	if err := uid.Check(0, []byte("0\n")); err == nil {
		t.Error("uid 0 must fail the check")
	}

	pids := find("pid-namespace")
	if err := pids.Check(0, []byte("3\n")); err != nil {
		t.Errorf("small process count should pass: %v", err)
	}
	if err := pids.Check(0, []byte("412\n")); err == nil {
		t.Error("hundreds of visible processes must fail the check")
	}
}

func TestPrintContainmentResults(t *testing.T) {
	t.Parallel()

	results := []ContainmentResult{
		{
			Test:   ContainmentTest{Name: "ok-check", Category: "filesystem", Severity: "critical", Description: "fine"},
			Passed: true,
		},
		{
			Test:   ContainmentTest{Name: "soft-check", Category: "identity", Severity: "warning", Description: "meh"},
			Passed: false,
		},
		{
			Test:   ContainmentTest{Name: "bad-check", Category: "process", Severity: "critical", Description: "broken"},
			Passed: false,
		},
	}

	var buf bytes.Buffer
	failed := PrintResults(&buf, results)

	if failed != 1 {
		t.Errorf("failed = %d, want 1 (warnings do not count)", failed)
	}
	output := buf.String()
	if !strings.Contains(output, "✓ [filesystem] ok-check") {
		t.Errorf("missing pass line:\n%s", output)
	}
	if !strings.Contains(output, "⚠ [identity] soft-check") {
		t.Errorf("missing warning line:\n%s", output)
	}
	if !strings.Contains(output, "✗ [process] bad-check") {
		t.Errorf("missing failure line:\n%s", output)
	}
	if !strings.Contains(output, "1 critical containment failure(s)") {
		t.Errorf("missing summary:\n%s", output)
	}
}
