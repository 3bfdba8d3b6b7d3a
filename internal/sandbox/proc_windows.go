//go:build windows

package sandbox

import (
	"errors"
	"os/exec"
	"strconv"
)

func configureProcessGroup(*exec.Cmd) {}

func killProcessGroup(pid int) error {
	if pid <= 0 {
		return errors.New("invalid process id")
	}
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

func terminateProcessGroup(pid int) error {
	return killProcessGroup(pid)
}

func exitStatus(err error) (int, bool) {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return 0, false
	}
	return ee.ExitCode(), true
}
