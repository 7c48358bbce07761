// Package main provides the entry point for the Quill CLI.
package main

import (
	"os"

	"github.com/quillware/quill/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
