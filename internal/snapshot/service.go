package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/opensandbox/workbench/internal/metrics"
	"github.com/opensandbox/workbench/internal/workspace"
)

// ErrNotConfigured is returned by remote operations when no object store is set.
var ErrNotConfigured = errors.New("snapshot storage is not configured")

// ObjectStore is where uploaded archives live. S3Store implements it.
type ObjectStore interface {
	Upload(ctx context.Context, key, localPath string) (int64, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// Service ties the workspace to an optional object store.
type Service struct {
	ws         *workspace.Workspace
	store      ObjectStore
	instanceID string
}

// NewService returns a Service. store may be nil; remote operations then fail
// with ErrNotConfigured.
func NewService(ws *workspace.Workspace, store ObjectStore, instanceID string) *Service {
	return &Service{ws: ws, store: store, instanceID: instanceID}
}

// Remote reports whether an object store is configured.
func (s *Service) Remote() bool { return s.store != nil }

// WriteTo streams an archive of the workspace to w.
func (s *Service) WriteTo(w io.Writer) (int, error) {
	cw := &countingWriter{w: w}
	n, err := Write(cw, s.ws.Root())
	metrics.SnapshotBytes.WithLabelValues("download").Add(float64(cw.n))
	return n, err
}

// Upload archives the workspace into a temp file and uploads it.
func (s *Service) Upload(ctx context.Context) (string, int64, error) {
	if s.store == nil {
		return "", 0, ErrNotConfigured
	}

	tmp, err := os.CreateTemp("", "workbench-snapshot-*.tar.zst")
	if err != nil {
		return "", 0, fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	entries, err := Write(tmp, s.ws.Root())
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("archive workspace: %w", err)
	}

	key := Key(s.instanceID)
	size, err := s.store.Upload(ctx, key, tmp.Name())
	if err != nil {
		return "", 0, err
	}
	metrics.SnapshotBytes.WithLabelValues("upload").Add(float64(size))
	log.Printf("snapshot: uploaded %s (%d entries, %d bytes)", key, entries, size)
	return key, size, nil
}

// Restore downloads key and extracts it over the workspace.
func (s *Service) Restore(ctx context.Context, key string) (int, error) {
	if s.store == nil {
		return 0, ErrNotConfigured
	}
	body, err := s.store.Download(ctx, key)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	cr := &countingReader{r: body}
	n, err := Extract(cr, s.ws)
	metrics.SnapshotBytes.WithLabelValues("restore").Add(float64(cr.n))
	if err != nil {
		return n, err
	}
	log.Printf("snapshot: restored %s (%d entries)", key, n)
	return n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
