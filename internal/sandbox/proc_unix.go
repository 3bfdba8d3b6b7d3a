//go:build !windows

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcessGroup runs the command in its own process group so signals
// reach the whole tree.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func killProcessGroup(pgid int) error {
	if pgid <= 0 {
		return errors.New("invalid process group id")
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}

func terminateProcessGroup(pgid int) error {
	if pgid <= 0 {
		return errors.New("invalid process group id")
	}
	return syscall.Kill(-pgid, syscall.SIGTERM)
}

// exitStatus maps a finished command to a shell-style exit code. A process
// killed by a signal reports 128 plus the signal number.
func exitStatus(err error) (int, bool) {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return 0, false
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), true
	}
	return ee.ExitCode(), true
}
