package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/workbench/internal/metrics"
	"github.com/opensandbox/workbench/pkg/types"
)

var okEnvelope = types.Envelope{Success: true}

func (s *Server) readFile(c echo.Context) error {
	var req types.FileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.FilePath == "" {
		return badRequest(c, "filePath is required")
	}

	content, err := s.ws.ReadFile(req.FilePath)
	metrics.FileOp("read", err)
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusOK, types.ReadFileResponse{Success: true, Content: content})
}

func (s *Server) writeFile(c echo.Context) error {
	var req types.WriteFileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.FilePath == "" {
		return badRequest(c, "filePath is required")
	}

	err := s.ws.WriteFile(req.FilePath, req.Content)
	metrics.FileOp("write", err)
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusOK, okEnvelope)
}

func (s *Server) listDir(c echo.Context) error {
	var req types.DirRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.DirPath == "" {
		req.DirPath = "."
	}

	files, err := s.ws.ListDir(req.DirPath)
	metrics.FileOp("list", err)
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusOK, types.ListDirResponse{Success: true, Files: files})
}

func (s *Server) createDir(c echo.Context) error {
	var req types.DirRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.DirPath == "" {
		return badRequest(c, "dirPath is required")
	}

	err := s.ws.MakeDir(req.DirPath)
	metrics.FileOp("mkdir", err)
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusOK, okEnvelope)
}

func (s *Server) deletePath(c echo.Context) error {
	var req types.FileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.FilePath == "" {
		return badRequest(c, "filePath is required")
	}

	err := s.ws.Remove(req.FilePath)
	metrics.FileOp("delete", err)
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusOK, okEnvelope)
}

func (s *Server) stat(c echo.Context) error {
	var req types.FileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.FilePath == "" {
		req.FilePath = "."
	}

	info, err := s.ws.Stat(req.FilePath)
	metrics.FileOp("stat", err)
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusOK, types.StatResponse{Success: true, Info: info})
}
