//go:build !windows

package worker

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// peakMemoryBytes reads VmHWM (the resident high-water mark) from
// /proc/self/status. Best effort: returns 0 on platforms without procfs.
func peakMemoryBytes() int64 {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmHWM:") {
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
