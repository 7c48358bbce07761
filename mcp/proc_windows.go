//go:build windows

package mcp

import (
	"os"

	"github.com/rs/zerolog"
)

// terminateProcess kills the child; Windows has no SIGTERM equivalent.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// sweepOrphans is a no-op on Windows; child processes die with their
// console job.
func sweepOrphans(logger zerolog.Logger) {}
