// Package history keeps a durable log of executed commands together with an
// outbox of events waiting to be published.
package history

import (
	"context"
	"time"

	"github.com/opensandbox/workbench/pkg/types"
)

// DefaultLimit is used by Recent when the caller passes a non-positive limit.
const DefaultLimit = 50

// MaxLimit caps a single Recent call.
const MaxLimit = 1000

// Record describes one finished execution.
type Record struct {
	Command    string
	Cwd        string
	SessionID  string
	Outcome    string
	ExitCode   int
	DurationMs int64
	StdoutLen  int
	StderrLen  int
}

// Event is an outbox row that has not been published yet.
type Event struct {
	ID        int64
	Type      string
	Payload   string
	CreatedAt time.Time
}

// Store persists command history. Record also enqueues a "command" event.
type Store interface {
	Record(ctx context.Context, r Record) (string, error)
	Recent(ctx context.Context, limit int) ([]types.HistoryEntry, error)
	UnsyncedEvents(ctx context.Context, limit int) ([]Event, error)
	MarkEventsSynced(ctx context.Context, ids []int64) error
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

type commandEvent struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	Cwd        string `json:"cwd"`
	SessionID  string `json:"session_id,omitempty"`
	Outcome    string `json:"outcome"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

func newCommandEvent(id string, r Record) commandEvent {
	return commandEvent{
		ID:         id,
		Command:    r.Command,
		Cwd:        r.Cwd,
		SessionID:  r.SessionID,
		Outcome:    r.Outcome,
		ExitCode:   r.ExitCode,
		DurationMs: r.DurationMs,
	}
}

// Nop is a Store that discards everything. It is used when history is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Record) (string, error) { return "", nil }
func (Nop) Recent(context.Context, int) ([]types.HistoryEntry, error) {
	return []types.HistoryEntry{}, nil
}
func (Nop) UnsyncedEvents(context.Context, int) ([]Event, error) { return nil, nil }
func (Nop) MarkEventsSynced(context.Context, []int64) error      { return nil }
func (Nop) Close() error                                         { return nil }
