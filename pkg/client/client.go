package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/workbench/pkg/types"
)

// Client is an HTTP client for the workbench API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// NewClient creates a new workbench API client. The HTTP timeout is longer
// than the server's response backstop so a timed-out command still returns
// its result.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 45 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// call sends body and decodes a 2xx JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var env types.Envelope
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &env) == nil && env.Error != "" {
		msg = env.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var out types.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workspace returns the absolute workspace root on the server.
func (c *Client) Workspace(ctx context.Context) (string, error) {
	var out types.WorkspaceResponse
	if err := c.call(ctx, http.MethodGet, "/api/workspace", nil, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// Execute runs a command and waits for its result. A command that exits
// non-zero or times out is not an error; check Success and TimedOut.
func (c *Client) Execute(ctx context.Context, req types.ExecuteRequest) (*types.ExecuteResponse, error) {
	var out types.ExecuteResponse
	if err := c.call(ctx, http.MethodPost, "/api/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteStream runs a command over a WebSocket, calling onOutput for every
// stdout or stderr chunk as it arrives. Cancelling ctx closes the socket,
// which terminates the command on the server.
func (c *Client) ExecuteStream(ctx context.Context, req types.ExecuteRequest, onOutput func(types.StreamFrame)) (*types.ExecuteResponse, error) {
	u, err := url.Parse(c.baseURL + "/api/execute/stream")
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{"command": {req.Command}}
	if req.Cwd != "" {
		q.Set("cwd", req.Cwd)
	}
	if req.SessionID != "" {
		q.Set("sessionId", req.SessionID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-API-Key", c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, readAPIError(resp)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var frame types.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("stream closed before exit frame: %w", err)
		}
		switch frame.Type {
		case types.FrameStdout, types.FrameStderr:
			if onOutput != nil {
				onOutput(frame)
			}
		case types.FrameExit:
			if frame.Result == nil {
				return nil, errors.New("exit frame without result")
			}
			return frame.Result, nil
		case types.FrameError:
			return nil, errors.New(frame.Error)
		}
	}
}

// Kill terminates the process started under sessionID. It reports false when
// no such process is running.
func (c *Client) Kill(ctx context.Context, sessionID string) (bool, error) {
	var out types.Envelope
	if err := c.call(ctx, http.MethodPost, "/api/kill", types.KillRequest{SessionID: sessionID}, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// Processes lists live session-tagged processes.
func (c *Client) Processes(ctx context.Context) ([]types.ProcessInfo, error) {
	var out types.ProcessListResponse
	if err := c.call(ctx, http.MethodGet, "/api/processes", nil, &out); err != nil {
		return nil, err
	}
	return out.Processes, nil
}

// History returns the most recent executions, newest first. A limit of zero
// uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	path := "/api/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out types.HistoryResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// ReadFile reads a workspace file.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	var out types.ReadFileResponse
	if err := c.call(ctx, http.MethodPost, "/api/readFile", types.FileRequest{FilePath: path}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// WriteFile writes a workspace file, creating parent directories.
func (c *Client) WriteFile(ctx context.Context, path, content string) error {
	return c.call(ctx, http.MethodPost, "/api/writeFile", types.WriteFileRequest{FilePath: path, Content: content}, nil)
}

// ListDir lists the immediate children of a workspace directory.
func (c *Client) ListDir(ctx context.Context, path string) ([]types.EntryInfo, error) {
	var out types.ListDirResponse
	if err := c.call(ctx, http.MethodPost, "/api/listDir", types.DirRequest{DirPath: path}, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// CreateDir creates a workspace directory and its parents.
func (c *Client) CreateDir(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodPost, "/api/createDir", types.DirRequest{DirPath: path}, nil)
}

// Delete removes a workspace file or directory tree.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodPost, "/api/delete", types.FileRequest{FilePath: path}, nil)
}

// Stat returns metadata for a workspace path.
func (c *Client) Stat(ctx context.Context, path string) (*types.FileInfo, error) {
	var out types.StatResponse
	if err := c.call(ctx, http.MethodPost, "/api/stat", types.FileRequest{FilePath: path}, &out); err != nil {
		return nil, err
	}
	return out.Info, nil
}

// DownloadSnapshot streams a tar.zst archive of the workspace into w.
func (c *Client) DownloadSnapshot(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/snapshot", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, readAPIError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read snapshot: %w", err)
	}
	return n, nil
}

// UploadSnapshot archives the workspace into object storage on the server.
func (c *Client) UploadSnapshot(ctx context.Context) (*types.SnapshotResponse, error) {
	var out types.SnapshotResponse
	if err := c.call(ctx, http.MethodPost, "/api/snapshots", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RestoreSnapshot extracts a stored snapshot over the workspace.
func (c *Client) RestoreSnapshot(ctx context.Context, key string) (int, error) {
	var out types.RestoreResponse
	if err := c.call(ctx, http.MethodPost, "/api/snapshots/restore", types.RestoreRequest{Key: key}, &out); err != nil {
		return 0, err
	}
	return out.Entries, nil
}
