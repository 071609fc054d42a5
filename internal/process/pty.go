//go:build !windows

package process

import (
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	ptylib "github.com/creack/pty"
)

// PTYRunner runs commands attached to a pseudo-terminal so that tools which
// check isatty keep their interactive formatting. stdout and stderr are merged
// by the terminal; everything is delivered to Spec.Stdout.
type PTYRunner struct {
	Shell string
	Cols  uint16
	Rows  uint16
}

// Start implements Runner.
func (r *PTYRunner) Start(spec Spec) (Process, error) {
	name, args := shellCommand(r.Shell, spec.Command)
	cmd := exec.Command(name, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), append([]string{"TERM=xterm-256color"}, spec.Env...)...)

	cols, rows := r.Cols, r.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 24
	}

	// pty.Start puts the child in a new session, which also makes it a
	// process group leader.
	ptmx, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, err
	}

	p := &ptyProcess{cmd: cmd, ptmx: ptmx, drained: make(chan struct{})}
	out := spec.Stdout
	if out == nil {
		out = io.Discard
	}
	go func() {
		defer close(p.drained)
		// Reads fail with EIO once the last slave fd closes.
		_, _ = io.Copy(out, ptmx)
	}()
	return p, nil
}

type ptyProcess struct {
	cmd     *exec.Cmd
	ptmx    *os.File
	drained chan struct{}
}

func (p *ptyProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Signal(sig syscall.Signal) error {
	return signalGroup(p.cmd.Process, sig)
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	select {
	case <-p.drained:
	case <-time.After(waitDelay):
	}
	p.ptmx.Close()
	return exitStatus(p.cmd, err)
}
