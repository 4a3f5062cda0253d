// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/burrow-sh/burrow/process"
)

// ContainmentTest probes one aspect of sandbox isolation by running a
// shell command inside the sandbox and checking its outcome.
type ContainmentTest struct {
	// Name identifies the test in reports.
	Name string

	// Description explains what the test verifies.
	Description string

	// Category groups related tests (filesystem, identity, network,
	// process).
	Category string

	// Severity is "critical" for checks whose failure means the
	// sandbox boundary is broken, "warning" for softer expectations.
	Severity string

	// Command is the shell command run inside the sandbox.
	Command string

	// Check inspects the command's exit code and combined output.
	// A nil return means contained.
	Check func(exitCode int, output []byte) error
}

// ContainmentResult is the outcome of one containment test.
type ContainmentResult struct {
	Test     ContainmentTest
	Passed   bool
	Err      error
	ExitCode int
	Output   string
}

// ContainmentRunner runs containment tests against an open sandbox.
type ContainmentRunner struct {
	sandbox *Sandbox
	timeout time.Duration
}

// NewContainmentRunner creates a runner for the given sandbox. The
// sandbox must be open.
func NewContainmentRunner(sb *Sandbox) *ContainmentRunner {
	return &ContainmentRunner{sandbox: sb, timeout: 30 * time.Second}
}

// Run executes the given tests in order and returns a result per test.
// Tests run sequentially since they share the sandbox.
func (r *ContainmentRunner) Run(ctx context.Context, tests []ContainmentTest) ([]ContainmentResult, error) {
	results := make([]ContainmentResult, 0, len(tests))
	for _, test := range tests {
		result, err := r.runOne(ctx, test)
		if err != nil {
			return results, fmt.Errorf("containment test %q: %w", test.Name, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// RunAll executes the default containment battery appropriate for the
// sandbox's configuration.
func (r *ContainmentRunner) RunAll(ctx context.Context) ([]ContainmentResult, error) {
	return r.Run(ctx, DefaultContainmentTests(r.sandbox.cfg.Network))
}

func (r *ContainmentRunner) runOne(ctx context.Context, test ContainmentTest) (ContainmentResult, error) {
	p, err := r.sandbox.Run(ctx, test.Command, RunOptions{
		Mode:    process.IOPipe,
		Timeout: r.timeout,
	})
	if err != nil {
		return ContainmentResult{}, err
	}
	defer p.Close()

	stdout, stderr, err := p.Communicate(ctx, nil)
	if err != nil {
		return ContainmentResult{}, err
	}
	status := p.Status()
	exitCode := status.ExitCode
	if status.Kind == process.StateSignalled {
		exitCode = 128 + int(status.Signal)
	}

	output := append(stdout, stderr...)
	checkErr := test.Check(exitCode, output)
	return ContainmentResult{
		Test:     test,
		Passed:   checkErr == nil,
		Err:      checkErr,
		ExitCode: exitCode,
		Output:   string(output),
	}, nil
}

// PrintResults writes a containment report to a writer and returns the
// number of failed critical tests.
func PrintResults(w io.Writer, results []ContainmentResult) int {
	failed := 0
	for _, r := range results {
		prefix := "✓"
		if !r.Passed {
			if r.Test.Severity == "critical" {
				prefix = "✗"
				failed++
			} else {
				prefix = "⚠"
			}
		}
		fmt.Fprintf(w, "%s [%s] %s: %s\n", prefix, r.Test.Category, r.Test.Name, r.Test.Description)
		if !r.Passed && r.Err != nil {
			fmt.Fprintf(w, "    %v\n", r.Err)
		}
	}

	fmt.Fprintln(w)
	if failed > 0 {
		fmt.Fprintf(w, "%d critical containment failure(s)\n", failed)
	} else {
		fmt.Fprintf(w, "All %d containment tests passed\n", len(results))
	}
	return failed
}

// expectFailure builds a check requiring a non-zero exit code.
func expectFailure(what string) func(int, []byte) error {
	return func(exitCode int, output []byte) error {
		if exitCode == 0 {
			return fmt.Errorf("%s succeeded inside the sandbox", what)
		}
		return nil
	}
}

// expectOutput builds a check requiring exit 0 and exact trimmed
// output.
func expectOutput(want string) func(int, []byte) error {
	return func(exitCode int, output []byte) error {
		if exitCode != 0 {
			return fmt.Errorf("command failed with exit code %d: %s", exitCode, strings.TrimSpace(string(output)))
		}
		got := strings.TrimSpace(string(output))
		if got != want {
			return fmt.Errorf("got %q, want %q", got, want)
		}
		return nil
	}
}

// DefaultContainmentTests returns the standard battery for the given
// network mode.
func DefaultContainmentTests(mode NetworkMode) []ContainmentTest {
	tests := []ContainmentTest{
		{
			Name:        "shadow-unreadable",
			Description: "host credential files are not readable",
			Category:    "filesystem",
			Severity:    "critical",
			Command:     "cat /etc/shadow",
			Check:       expectFailure("reading /etc/shadow"),
		},
		{
			Name:        "rootfs-readonly",
			Description: "system directories reject writes",
			Category:    "filesystem",
			Severity:    "critical",
			Command:     "touch /usr/burrow-selftest",
			Check:       expectFailure("writing to /usr"),
		},
		{
			Name:        "home-writable",
			Description: "the session home accepts writes",
			Category:    "filesystem",
			Severity:    "critical",
			Command:     "touch ~/.burrow-selftest && rm ~/.burrow-selftest && echo ok",
			Check:       expectOutput("ok"),
		},
		{
			Name:        "tmp-writable",
			Description: "/tmp accepts writes",
			Category:    "filesystem",
			Severity:    "warning",
			Command:     "touch /tmp/burrow-selftest && rm /tmp/burrow-selftest && echo ok",
			Check:       expectOutput("ok"),
		},
		{
			Name:        "uid-mapped",
			Description: "the sandboxed user is uid 1000",
			Category:    "identity",
			Severity:    "critical",
			Command:     "id -u",
			Check:       expectOutput("1000"),
		},
		{
			Name:        "hostname-isolated",
			Description: "the UTS namespace hides the host name",
			Category:    "identity",
			Severity:    "warning",
			Command:     "hostname",
			Check:       expectOutput("sandbox"),
		},
		{
			Name:        "pid-namespace",
			Description: "the PID namespace hides host processes",
			Category:    "process",
			Severity:    "critical",
			Command:     "ls /proc | grep -c '^[0-9]'",
			Check: func(exitCode int, output []byte) error {
				if exitCode != 0 {
					return fmt.Errorf("counting processes failed with exit code %d", exitCode)
				}
				var count int
				if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%d", &count); err != nil {
					return fmt.Errorf("unparseable process count %q", strings.TrimSpace(string(output)))
				}
				// Only the shell pipeline and pid 1 should be visible.
				if count > 10 {
					return fmt.Errorf("%d processes visible, host PID namespace may be shared", count)
				}
				return nil
			},
		},
	}

	if mode == NetworkIsolated {
		tests = append(tests, ContainmentTest{
			Name:        "network-isolated",
			Description: "only the loopback interface exists",
			Category:    "network",
			Severity:    "critical",
			Command:     "ls /sys/class/net",
			Check:       expectOutput("lo"),
		})
	}

	return tests
}
