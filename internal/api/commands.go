package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/workbench/internal/history"
	"github.com/opensandbox/workbench/internal/process"
	"github.com/opensandbox/workbench/internal/workspace"
	"github.com/opensandbox/workbench/pkg/types"
)

// cwdError is a validation failure for the working directory.
type cwdError struct {
	status int
	msg    string
}

// resolveCwd confines and validates the working directory before anything
// is spawned.
func (s *Server) resolveCwd(cwd string) (string, *cwdError) {
	if cwd == "" {
		cwd = "."
	}
	dir, err := s.ws.Dir(cwd)
	if err != nil {
		if errors.Is(err, workspace.ErrAccessDenied) {
			return "", &cwdError{status: http.StatusForbidden, msg: err.Error()}
		}
		return "", &cwdError{status: http.StatusBadRequest, msg: err.Error()}
	}
	return dir, nil
}

func (s *Server) execute(c echo.Context) error {
	var req types.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Command) == "" {
		return badRequest(c, "command is required")
	}
	dir, cerr := s.resolveCwd(req.Cwd)
	if cerr != nil {
		return fail(c, cerr.status, cerr.msg)
	}

	res, err := s.executor.Execute(c.Request().Context(), process.Request{
		Command:   req.Command,
		Dir:       dir,
		SessionID: req.SessionID,
	})
	if res != nil {
		s.record(req, res)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("workbench: client went away during %q, process terminated", req.Command)
			return nil
		}
		return failErr(c, err)
	}

	status := http.StatusOK
	if res.Outcome == process.OutcomeFailed {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, toResponse(res))
}

func toResponse(res *process.Result) types.ExecuteResponse {
	return types.ExecuteResponse{
		Success:    res.Success,
		Output:     res.Output,
		ExitCode:   res.ExitCode,
		TimedOut:   res.TimedOut,
		DurationMs: res.Duration.Milliseconds(),
		Error:      res.Error,
	}
}

// record logs the execution on a detached context; the request may already be
// gone.
func (s *Server) record(req types.ExecuteRequest, res *process.Result) {
	cwd := req.Cwd
	if cwd == "" {
		cwd = "."
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.history.Record(ctx, history.Record{
		Command:    req.Command,
		Cwd:        cwd,
		SessionID:  req.SessionID,
		Outcome:    string(res.Outcome),
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
		StdoutLen:  res.StdoutLen,
		StderrLen:  res.StderrLen,
	})
	if err != nil {
		log.Printf("history: record %q: %v", req.Command, err)
	}
}

func (s *Server) kill(c echo.Context) error {
	var req types.KillRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.SessionID != "" && s.executor.Registry().Kill(req.SessionID) {
		return c.JSON(http.StatusOK, types.Envelope{Success: true})
	}
	return c.JSON(http.StatusOK, types.Envelope{Success: false, Error: "Process not found"})
}

func (s *Server) listProcesses(c echo.Context) error {
	return c.JSON(http.StatusOK, types.ProcessListResponse{
		Success:   true,
		Processes: s.executor.Registry().List(),
	})
}

func (s *Server) listHistory(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		limit = n
	}
	entries, err := s.history.Recent(c.Request().Context(), limit)
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusOK, types.HistoryResponse{Success: true, Entries: entries})
}
