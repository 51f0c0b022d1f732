// Package main is the entry point for the sidecarr server.
package main

import (
	"os"

	"github.com/sidecarr/sidecarr/cmd/sidecarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
