// Command loom is the CLI surface over the session/merge-queue/agent
// coordination core (spec.md §6, C12). Every subcommand is a thin cobra
// wrapper around one internal/dispatch.Dispatcher call; the dispatcher and
// its components do the actual work.
//
// Grounded on the teacher's cmd/bd/main.go root-command assembly: a single
// package-level rootCmd, persistent flags registered in init(), a
// signal-aware context installed in PersistentPreRunE, and exit codes
// propagated from main() rather than os.Exit calls scattered through
// subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/loomhq/loom/internal/envelope"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// cobra has already printed the error; rootCmd's RunE functions
		// set exitCode before returning, so this only covers flag-parse
		// failures that never reached a RunE body.
		if exitCode == 0 {
			exitCode = envelope.ExitUsage
		}
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode)
}
