package process

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opensandbox/workbench/internal/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultProcessTimeout  = 30 * time.Second
	DefaultResponseTimeout = 31 * time.Second
	DefaultKillGrace       = 2 * time.Second
	DefaultMaxOutputBytes  = 10 << 20
)

// SuccessPlaceholder is returned as the output of a command that completed
// without writing anything.
const SuccessPlaceholder = "(command completed successfully)"

// ErrEmptyCommand is returned for a blank command string.
var ErrEmptyCommand = errors.New("command is required")

// Outcome is the way an execution settled.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timeout"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeSpawnErr  Outcome = "spawn_error"
)

// Config controls the timeout policy of an Executor.
type Config struct {
	// ProcessTimeout is when the process group receives SIGTERM.
	ProcessTimeout time.Duration
	// ResponseTimeout is when a result is produced regardless of whether the
	// process has exited. It must exceed ProcessTimeout.
	ResponseTimeout time.Duration
	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// MaxOutputBytes caps each of stdout and stderr. Zero or less is unlimited.
	MaxOutputBytes int
}

func (c Config) withDefaults() Config {
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = DefaultProcessTimeout
	}
	if c.ResponseTimeout <= c.ProcessTimeout {
		c.ResponseTimeout = c.ProcessTimeout + time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return c
}

// Request is one command to run.
type Request struct {
	Command string
	// Dir is the absolute working directory, already validated by the caller.
	Dir       string
	Env       []string
	SessionID string
	OnOutput  OutputFunc
}

// Result is the settled outcome of an execution.
type Result struct {
	Success   bool
	Output    string
	ExitCode  int
	Outcome   Outcome
	TimedOut  bool
	Truncated bool
	Error     string
	StdoutLen int
	StderrLen int
	Pid       int
	Duration  time.Duration
}

// SpawnError reports that the shell could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("failed to start command: %v", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// Executor runs commands with a two-stage timeout. At ProcessTimeout the
// process group gets SIGTERM, then SIGKILL after KillGrace if it is still
// alive. At ResponseTimeout a timed-out result is returned even if the
// process has not been reaped yet. Whichever of exit, backstop or
// cancellation happens first decides the result.
type Executor struct {
	runner   Runner
	registry *Registry
	cfg      Config
}

// NewExecutor returns an Executor. A nil registry disables session tracking.
func NewExecutor(runner Runner, registry *Registry, cfg Config) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Executor{runner: runner, registry: registry, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Registry returns the session registry.
func (e *Executor) Registry() *Registry { return e.registry }

type settlement struct {
	outcome  Outcome
	exitCode int
	err      error
}

// execution holds the per-command state shared by the wait goroutine, the
// timers and the caller.
type execution struct {
	proc      Process
	killGrace time.Duration
	stdout    *outputBuffer
	stderr    *outputBuffer

	exited   chan struct{}
	timedOut atomic.Bool

	mu        sync.Mutex
	escalated bool
	killTimer *time.Timer

	once    sync.Once
	settled chan struct{}
	final   settlement
}

// settle records s if nothing has settled yet and reports whether it won.
func (x *execution) settle(s settlement) bool {
	won := false
	x.once.Do(func() {
		x.final = s
		won = true
		close(x.settled)
	})
	return won
}

func (x *execution) hasExited() bool {
	select {
	case <-x.exited:
		return true
	default:
		return false
	}
}

func (x *execution) markExited() {
	close(x.exited)
	x.mu.Lock()
	if x.killTimer != nil {
		x.killTimer.Stop()
	}
	x.mu.Unlock()
}

// escalate sends SIGTERM to the group and schedules SIGKILL. Calling it more
// than once has no further effect.
func (x *execution) escalate(reason string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.escalated || x.hasExited() {
		return
	}
	x.escalated = true

	pid := x.proc.Pid()
	if err := x.proc.Signal(syscall.SIGTERM); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			log.Printf("exec: SIGTERM to pid %d: %v", pid, err)
		}
		return
	}
	metrics.ProcessSignalsTotal.WithLabelValues("SIGTERM", reason).Inc()

	x.killTimer = time.AfterFunc(x.killGrace, func() {
		if x.hasExited() {
			return
		}
		log.Printf("exec: pid %d still running %s after SIGTERM, sending SIGKILL", pid, x.killGrace)
		if err := x.proc.Signal(syscall.SIGKILL); err != nil {
			if !errors.Is(err, os.ErrProcessDone) {
				log.Printf("exec: SIGKILL to pid %d: %v", pid, err)
			}
			return
		}
		metrics.ProcessSignalsTotal.WithLabelValues("SIGKILL", reason).Inc()
	})
}

// Execute runs req.Command and blocks until a result is settled. It returns
// a *SpawnError if the command could not be started, and ctx.Err() together
// with a partial result if ctx ends first. In every other case the error is
// nil and the Result describes what happened.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, ErrEmptyCommand
	}

	x := &execution{
		killGrace: e.cfg.KillGrace,
		stdout:    newOutputBuffer(Stdout, e.cfg.MaxOutputBytes, req.OnOutput),
		stderr:    newOutputBuffer(Stderr, e.cfg.MaxOutputBytes, req.OnOutput),
		exited:    make(chan struct{}),
		settled:   make(chan struct{}),
	}

	start := time.Now()
	proc, err := e.runner.Start(Spec{
		Command: req.Command,
		Dir:     req.Dir,
		Env:     req.Env,
		Stdout:  x.stdout,
		Stderr:  x.stderr,
	})
	if err != nil {
		metrics.ExecTotal.WithLabelValues(string(OutcomeSpawnErr)).Inc()
		return nil, &SpawnError{Command: req.Command, Err: err}
	}
	x.proc = proc

	var entry *Entry
	if req.SessionID != "" {
		entry = &Entry{
			SessionID: req.SessionID,
			Command:   req.Command,
			StartedAt: start,
			proc:      proc,
			exited:    x.exited,
		}
		if prev := e.registry.register(entry); prev != nil && prev.Alive() {
			log.Printf("exec: session %s reused, terminating previous pid %d", req.SessionID, prev.Pid())
			prev.terminate("replaced")
		}
	}

	go func() {
		code, werr := proc.Wait()
		x.markExited()
		if entry != nil {
			e.registry.release(entry)
		}
		switch {
		case x.timedOut.Load():
			x.settle(settlement{outcome: OutcomeTimedOut, exitCode: -1})
		case werr != nil:
			x.settle(settlement{outcome: OutcomeFailed, exitCode: code, err: werr})
		default:
			x.settle(settlement{outcome: OutcomeCompleted, exitCode: code})
		}
	}()

	processTimer := time.AfterFunc(e.cfg.ProcessTimeout, func() {
		x.timedOut.Store(true)
		log.Printf("exec: pid %d exceeded %s, terminating", proc.Pid(), e.cfg.ProcessTimeout)
		x.escalate("timeout")
	})
	defer processTimer.Stop()
	backstop := time.NewTimer(e.cfg.ResponseTimeout)
	defer backstop.Stop()

	select {
	case <-x.settled:
	case <-backstop.C:
		x.timedOut.Store(true)
		if x.settle(settlement{outcome: OutcomeTimedOut, exitCode: -1}) {
			log.Printf("exec: pid %d not reaped after %s, responding without it", proc.Pid(), e.cfg.ResponseTimeout)
		}
		x.escalate("timeout")
	case <-ctx.Done():
		x.settle(settlement{outcome: OutcomeCanceled, exitCode: -1, err: ctx.Err()})
		x.escalate("canceled")
	}
	<-x.settled

	res := e.result(x, proc.Pid(), time.Since(start))
	metrics.ExecTotal.WithLabelValues(string(res.Outcome)).Inc()
	metrics.ExecDuration.WithLabelValues(string(res.Outcome)).Observe(res.Duration.Seconds())

	if res.Outcome == OutcomeCanceled {
		return res, x.final.err
	}
	return res, nil
}

// result builds the Result from the winning settlement. Output is stdout if
// there was any, stderr otherwise.
func (e *Executor) result(x *execution, pid int, elapsed time.Duration) *Result {
	s := x.final
	stdout, stderr := x.stdout.String(), x.stderr.String()
	output := stdout
	if output == "" {
		output = stderr
	}

	res := &Result{
		Outcome:   s.outcome,
		ExitCode:  s.exitCode,
		Truncated: x.stdout.Truncated() || x.stderr.Truncated(),
		StdoutLen: len(stdout),
		StderrLen: len(stderr),
		Pid:       pid,
		Duration:  elapsed,
	}

	switch s.outcome {
	case OutcomeCompleted:
		if output == "" {
			output = SuccessPlaceholder
		}
		res.Success = s.exitCode == 0
	case OutcomeTimedOut:
		res.TimedOut = true
		marker := fmt.Sprintf("[command timed out after %s]", e.cfg.ProcessTimeout)
		if output == "" {
			output = marker
		} else {
			output += "\n" + marker
		}
	case OutcomeFailed, OutcomeCanceled:
		if s.err != nil {
			res.Error = s.err.Error()
		}
	}
	res.Output = output
	return res
}
