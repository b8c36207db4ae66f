//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// errNoProcess is returned when the group has already exited
var errNoProcess error = syscall.ESRCH

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the interpreter and anything it forked
func killProcessGroup(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
