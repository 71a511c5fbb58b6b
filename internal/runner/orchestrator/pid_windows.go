//go:build windows

package orchestrator

import "os"

// pidAlive reports whether a process handle can still be opened for the pid.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
