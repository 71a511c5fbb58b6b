//go:build windows

package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/UserExistsError/conpty"
)

func shellPath() string { return "cmd" }

func shellArgs(command string) []string { return []string{"/c", command} }

func setProcAttrs(cmd *exec.Cmd) {}

// Windows has no process groups in the Unix sense; termination and kill both
// end the process directly.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// startPTY starts the command under a ConPTY pseudo-console. ConPTY owns
// process creation, so cmd.Process is backfilled for lifecycle management.
func startPTY(cmd *exec.Cmd, cols, rows int) (io.Reader, error) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}
	cpty, err := conpty.Start(strings.Join(cmd.Args, " "), opts...)
	if err != nil {
		return nil, err
	}
	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("failed to find ConPTY process: %w", err)
	}
	cmd.Process = proc
	return cpty, nil
}
