//go:build !windows

package mcp

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// orphanPatterns match command lines of tool-server children that may
// outlive the session child itself.
var orphanPatterns = []string{"mcp", "model-control"}

// terminateProcess asks the child to exit.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// sweepOrphans scans our immediate child tree for leftover tool-server
// processes and kills them. Best effort: any read or signal failure is
// ignored, the processes are already detached from our pipes.
func sweepOrphans(logger zerolog.Logger) {
	self := os.Getpid()
	procs, err := filepath.Glob("/proc/[0-9]*")
	if err != nil {
		return
	}

	for _, dir := range procs {
		pid, err := strconv.Atoi(filepath.Base(dir))
		if err != nil || pid == self {
			continue
		}
		if parentPID(dir) != self {
			continue
		}
		cmdline := readCmdline(dir)
		for _, pattern := range orphanPatterns {
			if strings.Contains(cmdline, pattern) {
				logger.Warn().Int("pid", pid).Str("cmdline", cmdline).Msg("killing orphaned tool server child")
				_ = syscall.Kill(pid, syscall.SIGKILL)
				break
			}
		}
	}
}

func parentPID(procDir string) int {
	data, err := os.ReadFile(filepath.Join(procDir, "stat"))
	if err != nil {
		return -1
	}
	// Field 4 of /proc/<pid>/stat, after the parenthesized comm which may
	// itself contain spaces.
	text := string(data)
	close := strings.LastIndexByte(text, ')')
	if close < 0 {
		return -1
	}
	fields := strings.Fields(text[close+1:])
	if len(fields) < 2 {
		return -1
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return -1
	}
	return ppid
}

func readCmdline(procDir string) string {
	data, err := os.ReadFile(filepath.Join(procDir, "cmdline"))
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(string(data), "\x00", " ")
}
