package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/workbench/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			writeJSON(w, http.StatusUnauthorized, types.Envelope{Error: "missing API key"})
			return
		}
		var req types.ExecuteRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		writeJSON(w, http.StatusOK, types.ExecuteResponse{Success: true, Output: "ran " + req.Command})
	})
	mux.HandleFunc("POST /api/readFile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, types.Envelope{Error: "access denied: ../x"})
	})
	mux.HandleFunc("POST /api/kill", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.Envelope{Error: "Process not found"})
	})
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, types.HistoryResponse{Success: true, Entries: []types.HistoryEntry{{Command: "ls"}}})
	})
	mux.HandleFunc("GET /api/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zstd")
		_, _ = w.Write([]byte("archive"))
	})
	mux.HandleFunc("GET /api/execute/stream", func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		cmd := r.URL.Query().Get("command")
		_ = conn.WriteJSON(types.StreamFrame{Type: types.FrameStdout, Data: "a"})
		_ = conn.WriteJSON(types.StreamFrame{Type: types.FrameStderr, Data: "b"})
		_ = conn.WriteJSON(types.StreamFrame{Type: types.FrameExit, Result: &types.ExecuteResponse{Success: true, Output: cmd}})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestExecute(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	res, err := NewClient(ts.URL+"/", "k").Execute(ctx, types.ExecuteRequest{Command: "ls"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ran ls", res.Output)

	_, err = NewClient(ts.URL, "").Execute(ctx, types.ExecuteRequest{Command: "ls"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "missing API key", apiErr.Message)
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	_, err := NewClient(ts.URL, "k").ReadFile(context.Background(), "../x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "access denied")
}

func TestKillNotFound(t *testing.T) {
	ts := newTestServer(t)

	found, err := NewClient(ts.URL, "k").Kill(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHistoryLimit(t *testing.T) {
	ts := newTestServer(t)

	entries, err := NewClient(ts.URL, "k").History(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ls", entries[0].Command)
}

func TestDownloadSnapshot(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	n, err := NewClient(ts.URL, "k").DownloadSnapshot(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "archive", buf.String())
}

func TestExecuteStream(t *testing.T) {
	ts := newTestServer(t)

	var chunks []string
	res, err := NewClient(ts.URL, "k").ExecuteStream(context.Background(), types.ExecuteRequest{Command: "echo x"}, func(f types.StreamFrame) {
		chunks = append(chunks, f.Type+":"+f.Data)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stdout:a", "stderr:b"}, chunks)
	assert.Equal(t, "echo x", res.Output)
}
