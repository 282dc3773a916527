// Package main is the entry point for pipectl, the operator tool for the
// image pipeline.
package main

import (
	"os"

	"imagepipe/cmd/pipectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
