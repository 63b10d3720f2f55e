//go:build !windows

package pool

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// isProcessAlive reports whether a process with the given PID exists.
// Signal 0 performs the existence check without delivering anything.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}

func selfPID() int {
	return os.Getpid()
}

// residentMemoryBytes reads VmRSS from /proc/self/status. Best effort:
// returns 0 on platforms without procfs.
func residentMemoryBytes() int64 {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
