//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

func shellCommand(shell, command string) (string, []string) {
	if shell == "" {
		shell = os.Getenv("ComSpec")
	}
	if shell == "" {
		shell = "cmd.exe"
	}
	return shell, []string{"/d", "/s", "/c", command}
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// signalGroup has no graceful equivalent on Windows; every signal terminates.
func signalGroup(p *os.Process, _ syscall.Signal) error {
	return p.Kill()
}
