package process

import (
	"errors"
	"log"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/opensandbox/workbench/internal/metrics"
	"github.com/opensandbox/workbench/pkg/types"
)

// Entry is a live, session-tagged process.
type Entry struct {
	SessionID string
	Command   string
	StartedAt time.Time

	proc   Process
	exited <-chan struct{}
}

// Pid returns the OS process id.
func (e *Entry) Pid() int { return e.proc.Pid() }

// Alive reports whether the process has not yet been reaped.
func (e *Entry) Alive() bool {
	select {
	case <-e.exited:
		return false
	default:
		return true
	}
}

func (e *Entry) terminate(reason string) {
	err := e.proc.Signal(syscall.SIGTERM)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("process: SIGTERM to session %s (pid %d): %v", e.SessionID, e.proc.Pid(), err)
		return
	}
	metrics.ProcessSignalsTotal.WithLabelValues("SIGTERM", reason).Inc()
}

// Registry maps session ids to their currently running process. At most one
// process is tracked per session id.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// register stores e under its session id and returns the entry it displaced,
// if any.
func (r *Registry) register(e *Entry) *Entry {
	r.mu.Lock()
	prev := r.entries[e.SessionID]
	r.entries[e.SessionID] = e
	r.mu.Unlock()
	if prev == nil {
		metrics.ProcessesActive.Inc()
	}
	return prev
}

// release removes e only if it is still the registered entry for its session.
// A newer process that reused the id is left alone.
func (r *Registry) release(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.SessionID] != e {
		return false
	}
	delete(r.entries, e.SessionID)
	metrics.ProcessesActive.Dec()
	return true
}

// Get returns the entry for a session id.
func (r *Registry) Get(sessionID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

// Kill sends SIGTERM to the process registered under sessionID and removes
// it. It reports whether a live process was found; the signal is best-effort.
func (r *Registry) Kill(sessionID string) bool {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	metrics.ProcessesActive.Dec()
	if !e.Alive() {
		return false
	}
	e.terminate("kill")
	return true
}

// KillAll terminates every live registered process and empties the registry.
// It returns how many processes were signalled and does not wait for them.
func (r *Registry) KillAll() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	n := 0
	for _, e := range entries {
		metrics.ProcessesActive.Dec()
		if !e.Alive() {
			continue
		}
		e.terminate("shutdown")
		n++
	}
	return n
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List returns the registered processes ordered by start time.
func (r *Registry) List() []types.ProcessInfo {
	r.mu.Lock()
	list := make([]types.ProcessInfo, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, types.ProcessInfo{
			SessionID: e.SessionID,
			PID:       e.proc.Pid(),
			Command:   e.Command,
			StartedAt: e.StartedAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].StartedAt.Before(list[j].StartedAt)
	})
	return list
}
