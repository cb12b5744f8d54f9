// internal/pipeline/lock_unix.go

//go:build !windows

package pipeline

import (
	"errors"
	"os"
	"syscall"
)

// pidAlive reports whether a process with the given PID exists. Signal 0
// probes without delivering; EPERM means the process exists but belongs to
// another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
