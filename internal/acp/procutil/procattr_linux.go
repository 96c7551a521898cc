//go:build linux

package procutil

import (
	"os/exec"
	"syscall"
)

// SetProcGroup runs the command in its own process group so the whole tree
// can be signalled. Pdeathsig stops the child if this process dies first.
func SetProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// KillProcessGroup sends SIGKILL to the process group led by pid.
func KillProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
