//go:build unix

package backend

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the command in its own process group so that cancelling it also kills the
// processes it started.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
