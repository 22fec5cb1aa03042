// Package main is the entry point for labctl.
// labctl submits labs to a labplane controller and follows their output.
package main

import (
	"labplane/cmd/cli/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
