package types

import "time"

// Envelope is the minimal response body shared by every endpoint.
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is returned by /api/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// HistoryEntry is one row of the command log.
type HistoryEntry struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	Cwd        string    `json:"cwd"`
	SessionID  string    `json:"sessionId,omitempty"`
	Outcome    string    `json:"outcome"`
	ExitCode   int       `json:"exitCode"`
	DurationMs int64     `json:"durationMs"`
	StdoutLen  int       `json:"stdoutLen"`
	StderrLen  int       `json:"stderrLen"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HistoryResponse is returned by /api/history.
type HistoryResponse struct {
	Success bool           `json:"success"`
	Entries []HistoryEntry `json:"entries"`
}

// SnapshotResponse is returned after uploading a workspace snapshot.
type SnapshotResponse struct {
	Success   bool   `json:"success"`
	Key       string `json:"key"`
	SizeBytes int64  `json:"sizeBytes"`
}

// RestoreRequest is the request body for /api/snapshots/restore.
type RestoreRequest struct {
	Key string `json:"key"`
}

// RestoreResponse reports how many entries a restore wrote.
type RestoreResponse struct {
	Success bool `json:"success"`
	Entries int  `json:"entries"`
}
