package main

// ============================================================================
// gridsweep entry point: builds the CLI, runs it, and turns a panic or a
// command error into exit status 1. All logic lives in internal/cli.
//
//   go build -o bin/gridsweep ./cmd/gridsweep
//   ./bin/gridsweep run --workers 8
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/gridsweep/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
