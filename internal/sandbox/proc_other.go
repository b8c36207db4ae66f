//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

var errNoProcess = os.ErrProcessDone

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
