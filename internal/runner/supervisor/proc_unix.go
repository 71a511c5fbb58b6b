//go:build !windows

package supervisor

import (
	"io"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

func shellPath() string { return "/bin/sh" }

func shellArgs(command string) []string { return []string{"-c", command} }

// setProcAttrs puts the child in its own process group so termination
// signals reach script-spawned descendants too.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// startPTY starts the command under a pseudo-terminal and returns the master
// side for reading. pty.StartWithSize calls cmd.Start internally.
func startPTY(cmd *exec.Cmd, cols, rows int) (io.Reader, error) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	// Setpgid conflicts with the pty's controlling-terminal setup.
	cmd.SysProcAttr = nil
	return pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}
