package process

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"
)

type signalRecord struct {
	sig syscall.Signal
	at  time.Time
}

// fakeProcess exits when exit is called or when it receives a signal it does
// not ignore.
type fakeProcess struct {
	pid    int
	ignore map[syscall.Signal]bool

	mu      sync.Mutex
	signals []signalRecord
	done    chan struct{}
	code    int
	once    sync.Once
}

func newFakeProcess(pid int, ignore ...syscall.Signal) *fakeProcess {
	p := &fakeProcess{pid: pid, ignore: map[syscall.Signal]bool{}, done: make(chan struct{})}
	for _, s := range ignore {
		p.ignore[s] = true
	}
	return p
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, signalRecord{sig: sig, at: time.Now()})
	p.mu.Unlock()
	if !p.ignore[sig] {
		p.exit(-1)
	}
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.done)
	})
}

func (p *fakeProcess) received() []signalRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signalRecord(nil), p.signals...)
}

// fakeRunner hands out a prepared process and writes canned output.
type fakeRunner struct {
	proc   *fakeProcess
	stdout string
	stderr string
	err    error

	mu    sync.Mutex
	specs []Spec
}

func (r *fakeRunner) Start(spec Spec) (Process, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.stdout != "" {
		_, _ = io.WriteString(spec.Stdout, r.stdout)
	}
	if r.stderr != "" {
		_, _ = io.WriteString(spec.Stderr, r.stderr)
	}
	return r.proc, nil
}

var errNoShell = errors.New("exec: \"/no/such/shell\": stat /no/such/shell: no such file or directory")
