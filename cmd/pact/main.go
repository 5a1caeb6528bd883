// Package main is the entry point for the pact CLI.
package main

import (
	"os"

	"github.com/jasontalley/pact-sub013/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
