package types

import "time"

// ExecuteRequest is the request body for running a command.
type ExecuteRequest struct {
	Command   string `json:"command"`
	Cwd       string `json:"cwd,omitempty"`       // workspace-relative, default "."
	SessionID string `json:"sessionId,omitempty"` // enables /api/kill
}

// ExecuteResponse is the result of a command execution.
type ExecuteResponse struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	ExitCode   int    `json:"exitCode"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// KillRequest is the request body for /api/kill.
type KillRequest struct {
	SessionID string `json:"sessionId"`
}

// ProcessInfo describes a live session-tagged process.
type ProcessInfo struct {
	SessionID string    `json:"sessionId"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
}

// ProcessListResponse is returned by /api/processes.
type ProcessListResponse struct {
	Success   bool          `json:"success"`
	Processes []ProcessInfo `json:"processes"`
}

// StreamFrame is one WebSocket message sent by /api/execute/stream.
type StreamFrame struct {
	Type   string           `json:"type"` // "stdout", "stderr", "exit", "error"
	Data   string           `json:"data,omitempty"`
	Result *ExecuteResponse `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Stream frame types.
const (
	FrameStdout = "stdout"
	FrameStderr = "stderr"
	FrameExit   = "exit"
	FrameError  = "error"
)
