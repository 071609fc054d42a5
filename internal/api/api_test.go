package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/workbench/internal/history"
	"github.com/opensandbox/workbench/internal/process"
	"github.com/opensandbox/workbench/internal/snapshot"
	"github.com/opensandbox/workbench/internal/workspace"
	"github.com/opensandbox/workbench/pkg/types"
)

// scriptProcess exits immediately with code, or on the first signal when
// hang is set.
type scriptProcess struct {
	pid  int
	code int
	done chan struct{}
	once sync.Once
}

func (p *scriptProcess) Pid() int { return p.pid }

func (p *scriptProcess) Signal(syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.finish(-1)
	return nil
}

func (p *scriptProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *scriptProcess) finish(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.done)
	})
}

// scriptRunner writes canned output and returns a scriptProcess.
type scriptRunner struct {
	stdout string
	stderr string
	code   int
	hang   bool
	err    error

	mu    sync.Mutex
	specs []process.Spec
}

func (r *scriptRunner) Start(spec process.Spec) (process.Process, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	n := len(r.specs)
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
	p := &scriptProcess{pid: 1000 + n, done: make(chan struct{})}
	if !r.hang {
		p.finish(r.code)
	}
	return p, nil
}

func (r *scriptRunner) lastSpec(t *testing.T) process.Spec {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.specs)
	return r.specs[len(r.specs)-1]
}

type testEnv struct {
	srv    *Server
	ws     *workspace.Workspace
	runner *scriptRunner
}

func newTestEnv(t *testing.T, runner *scriptRunner, opts Options) *testEnv {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "workspace"))
	require.NoError(t, err)
	exec := process.NewExecutor(runner, nil, process.Config{
		ProcessTimeout:  50 * time.Millisecond,
		ResponseTimeout: 300 * time.Millisecond,
		KillGrace:       50 * time.Millisecond,
	})
	return &testEnv{srv: NewServer(ws, exec, opts), ws: ws, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{}, Options{})
	env.srv.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 6, 789_000_000, time.FixedZone("x", 3600)) }

	rec := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[types.HealthResponse](t, rec)
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "2024-03-09T13:05:06.789Z", got.Timestamp)
}

func TestWorkspaceInfo(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{}, Options{})
	rec := env.do(t, http.MethodGet, "/api/workspace", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, env.ws.Root(), decode[types.WorkspaceResponse](t, rec).Path)
}

func TestFileRoundTrip(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{}, Options{})

	rec := env.do(t, http.MethodPost, "/api/writeFile", types.WriteFileRequest{FilePath: "src/main.txt", Content: "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[types.Envelope](t, rec).Success)

	rec = env.do(t, http.MethodPost, "/api/readFile", types.FileRequest{FilePath: "src/main.txt"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", decode[types.ReadFileResponse](t, rec).Content)

	rec = env.do(t, http.MethodPost, "/api/createDir", types.DirRequest{DirPath: "a/b/c"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/listDir", types.DirRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	files := decode[types.ListDirResponse](t, rec).Files
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
		assert.True(t, f.IsDirectory, f.Name)
	}
	assert.ElementsMatch(t, []string{"a", "src"}, names)

	rec = env.do(t, http.MethodPost, "/api/stat", types.FileRequest{FilePath: "src/main.txt"})
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[types.StatResponse](t, rec).Info
	require.NotNil(t, info)
	assert.Equal(t, int64(5), info.Size)
	assert.False(t, info.IsDirectory)

	rec = env.do(t, http.MethodPost, "/api/delete", types.FileRequest{FilePath: "src"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.ws.Exists("src"))
}

func TestFileErrors(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{}, Options{})

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"read escape", "/api/readFile", types.FileRequest{FilePath: "../../etc/passwd"}, http.StatusForbidden},
		{"write escape", "/api/writeFile", types.WriteFileRequest{FilePath: "../x", Content: "y"}, http.StatusForbidden},
		{"list escape", "/api/listDir", types.DirRequest{DirPath: ".."}, http.StatusForbidden},
		{"mkdir escape", "/api/createDir", types.DirRequest{DirPath: "../evil"}, http.StatusForbidden},
		{"delete escape", "/api/delete", types.FileRequest{FilePath: "../"}, http.StatusForbidden},
		{"delete root", "/api/delete", types.FileRequest{FilePath: "."}, http.StatusForbidden},
		{"read missing", "/api/readFile", types.FileRequest{FilePath: "nope.txt"}, http.StatusInternalServerError},
		{"delete missing", "/api/delete", types.FileRequest{FilePath: "nope.txt"}, http.StatusInternalServerError},
		{"read no path", "/api/readFile", types.FileRequest{}, http.StatusBadRequest},
		{"mkdir no path", "/api/createDir", types.DirRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			got := decode[types.Envelope](t, rec)
			assert.False(t, got.Success)
			assert.NotEmpty(t, got.Error)
		})
	}
}

func TestDeleteMissingDirectoryWithSlash(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{}, Options{})
	rec := env.do(t, http.MethodPost, "/api/delete", types.FileRequest{FilePath: "gone/"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestExecute(t *testing.T) {
	runner := &scriptRunner{stdout: "hi\n"}
	env := newTestEnv(t, runner, Options{})
	require.NoError(t, env.ws.MakeDir("sub"))

	rec := env.do(t, http.MethodPost, "/api/execute", types.ExecuteRequest{Command: "echo hi", Cwd: "sub"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[types.ExecuteResponse](t, rec)
	assert.True(t, got.Success)
	assert.Equal(t, "hi\n", got.Output)
	assert.Equal(t, 0, got.ExitCode)
	assert.False(t, got.TimedOut)

	spec := runner.lastSpec(t)
	assert.Equal(t, "echo hi", spec.Command)
	assert.Equal(t, filepath.Join(env.ws.Root(), "sub"), spec.Dir)
}

func TestExecuteNonZeroExit(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{stderr: "boom\n", code: 3}, Options{})

	rec := env.do(t, http.MethodPost, "/api/execute", types.ExecuteRequest{Command: "false"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[types.ExecuteResponse](t, rec)
	assert.False(t, got.Success)
	assert.Equal(t, 3, got.ExitCode)
	assert.Equal(t, "boom\n", got.Output)
}

func TestExecuteValidation(t *testing.T) {
	runner := &scriptRunner{}
	env := newTestEnv(t, runner, Options{})
	require.NoError(t, env.ws.WriteFile("file.txt", "x"))

	tests := []struct {
		name   string
		req    types.ExecuteRequest
		status int
	}{
		{"missing command", types.ExecuteRequest{}, http.StatusBadRequest},
		{"blank command", types.ExecuteRequest{Command: "   "}, http.StatusBadRequest},
		{"cwd outside", types.ExecuteRequest{Command: "ls", Cwd: "../.."}, http.StatusForbidden},
		{"cwd missing", types.ExecuteRequest{Command: "ls", Cwd: "nope"}, http.StatusBadRequest},
		{"cwd is file", types.ExecuteRequest{Command: "ls", Cwd: "file.txt"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/execute", tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.False(t, decode[types.Envelope](t, rec).Success)
		})
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Empty(t, runner.specs, "nothing is spawned for invalid requests")
}

func TestExecuteSpawnError(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{err: os.ErrNotExist}, Options{})

	rec := env.do(t, http.MethodPost, "/api/execute", types.ExecuteRequest{Command: "ls"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	got := decode[types.Envelope](t, rec)
	assert.False(t, got.Success)
	assert.Contains(t, got.Error, "failed to start command")
}

func TestExecuteTimeout(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{stdout: "partial", hang: true}, Options{})

	rec := env.do(t, http.MethodPost, "/api/execute", types.ExecuteRequest{Command: "sleep 100"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[types.ExecuteResponse](t, rec)
	assert.False(t, got.Success)
	assert.True(t, got.TimedOut)
	assert.Equal(t, -1, got.ExitCode)
	assert.Equal(t, "partial\n[command timed out after 50ms]", got.Output)
}

func TestKill(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{hang: true}, Options{})
	env.srv.executor = process.NewExecutor(env.runner, nil, process.Config{
		ProcessTimeout:  5 * time.Second,
		ResponseTimeout: 6 * time.Second,
	})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/execute", types.ExecuteRequest{Command: "sleep 100", SessionID: "s1"})
	}()

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/processes", nil)
		procs := decode[types.ProcessListResponse](t, rec).Processes
		return len(procs) == 1 && procs[0].SessionID == "s1"
	}, 2*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/kill", types.KillRequest{SessionID: "s1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[types.Envelope](t, rec).Success)

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[types.ExecuteResponse](t, rec)
		assert.Equal(t, -1, got.ExitCode)
		assert.False(t, got.TimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after kill")
	}

	rec = env.do(t, http.MethodPost, "/api/kill", types.KillRequest{SessionID: "s1"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[types.Envelope](t, rec)
	assert.False(t, got.Success)
	assert.Equal(t, "Process not found", got.Error)
}

func TestKillUnknownSession(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{}, Options{})
	for _, id := range []string{"", "missing"} {
		rec := env.do(t, http.MethodPost, "/api/kill", types.KillRequest{SessionID: id})
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[types.Envelope](t, rec)
		assert.False(t, got.Success)
		assert.Equal(t, "Process not found", got.Error)
	}
}

func TestHistory(t *testing.T) {
	store, err := history.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := newTestEnv(t, &scriptRunner{stdout: "ok"}, Options{History: store})
	for _, cmd := range []string{"first", "second"} {
		rec := env.do(t, http.MethodPost, "/api/execute", types.ExecuteRequest{Command: cmd})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[types.HistoryResponse](t, rec).Entries
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Command)
	assert.Equal(t, "first", entries[1].Command)
	assert.Equal(t, ".", entries[0].Cwd)
	assert.Equal(t, string(process.OutcomeCompleted), entries[0].Outcome)
	assert.Equal(t, 2, entries[0].StdoutLen)

	rec = env.do(t, http.MethodGet, "/api/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKey(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{}, Options{APIKey: "secret"})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/workspace", nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/workspace", nil, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/workspace", nil, "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/workspace", nil, "Authorization", "Bearer secret").Code)
}

func TestSnapshotsNotConfigured(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{}, Options{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/snapshot"},
		{http.MethodPost, "/api/snapshots"},
		{http.MethodPost, "/api/snapshots/restore"},
	} {
		rec := env.do(t, tc.method, tc.path, types.RestoreRequest{Key: "k"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
	}
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStore) Upload(_ context.Context, key, localPath string) (int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return int64(len(data)), nil
}

func (m *memStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestSnapshotUploadRestore(t *testing.T) {
	ws, err := workspace.New(filepath.Join(t.TempDir(), "workspace"))
	require.NoError(t, err)
	store := &memStore{objects: map[string][]byte{}}
	svc := snapshot.NewService(ws, store, "inst-1")
	srv := NewServer(ws, process.NewExecutor(&scriptRunner{}, nil, process.Config{}), Options{Snapshots: svc})
	env := &testEnv{srv: srv, ws: ws}

	require.NoError(t, ws.WriteFile("notes/a.txt", "alpha"))

	rec := env.do(t, http.MethodGet, "/api/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snapshot.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".tar.zst")
	assert.NotZero(t, rec.Body.Len())

	rec = env.do(t, http.MethodPost, "/api/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	up := decode[types.SnapshotResponse](t, rec)
	assert.True(t, strings.HasPrefix(up.Key, "snapshots/inst-1/"), up.Key)
	assert.Positive(t, up.SizeBytes)

	require.NoError(t, ws.Remove("notes"))

	rec = env.do(t, http.MethodPost, "/api/snapshots/restore", types.RestoreRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/snapshots/restore", types.RestoreRequest{Key: up.Key})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Positive(t, decode[types.RestoreResponse](t, rec).Entries)

	content, err := ws.ReadFile("notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", content)
}

func TestExecuteStream(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{stdout: "hi\n"}, Options{})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/execute/stream?command=echo+hi"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frames []types.StreamFrame
	for {
		var f types.StreamFrame
		if err := conn.ReadJSON(&f); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		frames = append(frames, f)
	}

	require.Len(t, frames, 2)
	assert.Equal(t, types.FrameStdout, frames[0].Type)
	assert.Equal(t, "hi\n", frames[0].Data)
	assert.Equal(t, types.FrameExit, frames[1].Type)
	require.NotNil(t, frames[1].Result)
	assert.True(t, frames[1].Result.Success)
	assert.Equal(t, "hi\n", frames[1].Result.Output)
}

func TestExecuteStreamValidation(t *testing.T) {
	env := newTestEnv(t, &scriptRunner{}, Options{})
	rec := env.do(t, http.MethodGet, "/api/execute/stream?cwd=.", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/execute/stream?command=ls&cwd=../..", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
