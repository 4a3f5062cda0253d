// Copyright 2026 The Burrow Authors
// SPDX-License-Identifier: Apache-2.0

// burrow runs commands in disposable bubblewrap sandboxes.
//
// Usage:
//
//	burrow run [flags] -- <command> [args...]
//	burrow script [flags] <file>
//	burrow validate [flags]
//	burrow selftest [flags]
//	burrow list-presets
//	burrow show-preset <name>
//	burrow doctor
//	burrow build-rootfs [flags]
//	burrow clear-cache [flags]
package main

import (
	"fmt"
	"os"

	"github.com/burrow-sh/burrow/lib/cli"
	"github.com/burrow-sh/burrow/lib/version"
	"github.com/burrow-sh/burrow/process"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	logger := cli.NewLogger()
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runCmd(args, logger)
	case "script":
		err = scriptCmd(args, logger)
	case "validate":
		err = validateCmd(args, logger)
	case "selftest":
		err = selftestCmd(args, logger)
	case "doctor":
		err = doctorCmd()
	case "list-presets":
		err = listPresetsCmd(logger)
	case "show-preset":
		err = showPresetCmd(args, logger)
	case "build-rootfs":
		err = buildRootfsCmd(args, logger)
	case "clear-cache":
		err = clearCacheCmd(args)
	case "version", "--version", "-v":
		version.Print("burrow")
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		// A sandboxed command's exit code becomes our own.
		if code, ok := process.IsExitError(err); ok {
			os.Exit(code)
		}
		cli.Fatal(err)
	}
}

func printUsage() {
	fmt.Print(`burrow - Run commands in disposable bubblewrap sandboxes

USAGE
    burrow <command> [flags] [-- <args>...]

COMMANDS
    run           Run a shell command in a sandbox
    script        Run a script file in a sandbox
    validate      Check a configuration against this host
    selftest      Run the containment check battery in a sandbox
    list-presets  List available presets
    show-preset   Show preset details
    doctor        Report host sandboxing capabilities
    build-rootfs  Build a rootfs archive from a container recipe
    clear-cache   Remove extracted rootfs trees from the cache
    version       Show version

EXAMPLES
    # Run a command in the default isolated sandbox
    burrow run --rootfs=alpine.tar.zst -- echo hello

    # Outbound network and a persistent session directory
    burrow run --preset=online --rootfs=alpine.tar.zst --workdir=./proj -- sh build.sh

    # Interactive shell on a terminal
    burrow run --rootfs=alpine.tar.zst --pty --timeout=-1s -- sh

    # Writable root that survives between runs
    burrow run --rootfs=alpine.tar.zst --overlay-path=/tmp/upper -- apk add curl

ENVIRONMENT
    BURROW_DEBUG  Enable debug logging

Presets are read from /etc/burrow/presets.yaml, the user config
directory, and ./burrow-presets.yaml, later files overriding earlier
ones.
`)
}
