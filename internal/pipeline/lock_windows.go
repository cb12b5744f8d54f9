// internal/pipeline/lock_windows.go

//go:build windows

package pipeline

import "os"

// pidAlive reports whether a process with the given PID exists. On Windows
// FindProcess fails for PIDs that are not running.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
