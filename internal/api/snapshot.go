package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/workbench/internal/snapshot"
	"github.com/opensandbox/workbench/pkg/types"
)

func (s *Server) downloadSnapshot(c echo.Context) error {
	if s.snapshots == nil {
		return failErr(c, snapshot.ErrNotConfigured)
	}

	name := fmt.Sprintf("workspace-%s.tar.zst", s.now().UTC().Format("20060102T150405Z"))
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, snapshot.ContentType)
	resp.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	resp.WriteHeader(http.StatusOK)

	// Headers are gone once streaming starts; a failure can only be logged.
	if n, err := s.snapshots.WriteTo(resp); err != nil {
		log.Printf("snapshot: download aborted after %d entries: %v", n, err)
	}
	return nil
}

func (s *Server) uploadSnapshot(c echo.Context) error {
	if s.snapshots == nil {
		return failErr(c, snapshot.ErrNotConfigured)
	}
	key, size, err := s.snapshots.Upload(c.Request().Context())
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusOK, types.SnapshotResponse{Success: true, Key: key, SizeBytes: size})
}

func (s *Server) restoreSnapshot(c echo.Context) error {
	if s.snapshots == nil {
		return failErr(c, snapshot.ErrNotConfigured)
	}
	var req types.RestoreRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.Key == "" {
		return badRequest(c, "key is required")
	}

	n, err := s.snapshots.Restore(c.Request().Context(), req.Key)
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusOK, types.RestoreResponse{Success: true, Entries: n})
}
