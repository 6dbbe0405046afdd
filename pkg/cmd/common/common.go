package common

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/memprof/memprof/internal/settings"
)

// ProfilerPid returns the pid recorded by a running profiler, or 0 when no
// live profiler is found.
func ProfilerPid() int {
	pidData, err := os.ReadFile(settings.PidFile)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}

	// Signal 0 probes for existence without delivering anything.
	if process.Signal(syscall.Signal(0)) != nil {
		return 0
	}

	return pid
}

// IsProfilerRunning reports whether a profiler recorded in the pid file is
// still alive.
func IsProfilerRunning() bool {
	return ProfilerPid() != 0
}

// WritePidFile records the current process for stop/status commands.
func WritePidFile() error {
	return os.WriteFile(settings.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func RemovePidFile() {
	os.Remove(settings.PidFile)
}
