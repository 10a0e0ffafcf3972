//go:build windows

package backend

import (
	"os"
	"os/exec"
	"syscall"
)

func defaultShell() []string {
	return []string{"powershell.exe", "-NoLogo", "-NoProfile", "-Command"}
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Windows has no process-group signals; both steps kill the process.
func terminate(p *os.Process) error { return p.Kill() }

func kill(p *os.Process) error { return p.Kill() }
