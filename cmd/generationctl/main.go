// Command generationctl is the operator CLI for the generation pipeline.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand(openRuntime)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "generationctl: %v\n", err)
		os.Exit(1)
	}
}
