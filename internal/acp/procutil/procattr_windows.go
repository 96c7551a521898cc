//go:build windows

package procutil

import (
	"fmt"
	"os/exec"
	"syscall"
)

// SetProcGroup starts the command in a new process group.
func SetProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// KillProcessGroup force-kills the process tree rooted at pid.
func KillProcessGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}
