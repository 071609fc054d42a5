// Package process spawns shell commands inside the workspace, enforces the
// two-stage timeout policy and tracks session-tagged processes so they can be
// killed on demand.
package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait blocks on output pipes after the shell itself
// has exited. Background grandchildren that keep stdout open would otherwise
// hold the result forever.
const waitDelay = 500 * time.Millisecond

// Spec describes a single command to start.
type Spec struct {
	Command string
	Dir     string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Runner starts commands. Implementations must place the child in its own
// process group so that Signal reaches everything it spawns.
type Runner interface {
	Start(spec Spec) (Process, error)
}

// Process is a started command.
type Process interface {
	Pid() int
	// Signal delivers sig to the process group. It returns os.ErrProcessDone
	// once the group is gone.
	Signal(sig syscall.Signal) error
	// Wait blocks until the process exits and its output has been drained.
	// A process terminated by a signal reports exit code -1.
	Wait() (int, error)
}

// ShellRunner runs commands through the platform shell with plain pipes.
type ShellRunner struct {
	// Shell overrides the interpreter. Empty selects /bin/sh, or %ComSpec% on
	// Windows.
	Shell string
}

// Start implements Runner.
func (r *ShellRunner) Start(spec Spec) (Process, error) {
	name, args := shellCommand(r.Shell, spec.Command)
	cmd := exec.Command(name, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdProcess{cmd: cmd}, nil
}

type cmdProcess struct {
	cmd *exec.Cmd
}

func (p *cmdProcess) Pid() int { return p.cmd.Process.Pid }

func (p *cmdProcess) Signal(sig syscall.Signal) error {
	return signalGroup(p.cmd.Process, sig)
}

func (p *cmdProcess) Wait() (int, error) {
	return exitStatus(p.cmd, p.cmd.Wait())
}

// exitStatus converts the result of cmd.Wait into an exit code. A non-zero
// exit is not an error; only failures to observe the child are.
func exitStatus(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	// ErrWaitDelay: the child exited but something kept its pipes open.
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}
