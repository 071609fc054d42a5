//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const defaultShell = "/bin/sh"

func shellCommand(shell, command string) (string, []string) {
	if shell == "" {
		shell = defaultShell
	}
	return shell, []string{"-c", command}
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group led by p. The child was started
// with Setpgid (or Setsid for PTYs), so its pid is also its pgid.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := unix.Kill(-p.Pid, unix.Signal(sig))
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
