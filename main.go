// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for legacyhsm.
//
// Usage:
//
//	go run . [flags] <command>
//	./legacyhsm [flags] <command>
//
// See --help for the available commands.
package main

import (
	"os"

	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		logging.Errorf("legacyhsm: %v", err)
		os.Exit(1)
	}
}
