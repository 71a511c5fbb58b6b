//go:build !windows

package orchestrator

import (
	"errors"
	"syscall"
)

// pidAlive probes a pid with the null signal. EPERM still means the process
// exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
