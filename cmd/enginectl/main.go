// Command enginectl is the operator-facing entry point for the inference
// engine: it starts the server, and queries a running instance for status
// or to trigger a cache snapshot, following the reference model-runner
// CLI's split between a thin main() and a commands package.
package main

import (
	"fmt"
	"os"

	"github.com/ringo380/inferno/cmd/enginectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
