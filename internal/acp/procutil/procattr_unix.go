//go:build unix && !linux

package procutil

import (
	"os/exec"
	"syscall"
)

// SetProcGroup runs the command in its own process group so the whole tree
// can be signalled.
func SetProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillProcessGroup sends SIGKILL to the process group led by pid.
func KillProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
