package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/opensandbox/workbench/internal/auth"
	"github.com/opensandbox/workbench/internal/history"
	"github.com/opensandbox/workbench/internal/metrics"
	"github.com/opensandbox/workbench/internal/process"
	"github.com/opensandbox/workbench/internal/snapshot"
	"github.com/opensandbox/workbench/internal/workspace"
	"github.com/opensandbox/workbench/pkg/types"
)

// healthTimeFormat is ISO-8601 with milliseconds, always UTC.
const healthTimeFormat = "2006-01-02T15:04:05.000Z"

// Options carries the optional collaborators of a Server.
type Options struct {
	APIKey    string
	History   history.Store     // nil disables the command log
	Snapshots *snapshot.Service // nil disables snapshot endpoints
	// AccessLog enables echo's request logger.
	AccessLog bool
}

// Server holds the API server dependencies.
type Server struct {
	echo      *echo.Echo
	ws        *workspace.Workspace
	executor  *process.Executor
	history   history.Store
	snapshots *snapshot.Service
	now       func() time.Time
}

// NewServer creates a new API server with all routes configured.
func NewServer(ws *workspace.Workspace, executor *process.Executor, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		ws:        ws,
		executor:  executor,
		history:   opts.History,
		snapshots: opts.Snapshots,
		now:       time.Now,
	}
	if s.history == nil {
		s.history = history.Nop{}
	}

	// Global middleware
	e.Use(middleware.Recover())
	if opts.AccessLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	api := e.Group("/api")
	api.Use(auth.APIKeyMiddleware(opts.APIKey, "/api/health"))

	api.GET("/health", s.health)
	api.GET("/workspace", s.workspaceInfo)

	// Commands
	api.POST("/execute", s.execute)
	api.GET("/execute/stream", s.executeStream)
	api.POST("/kill", s.kill)
	api.GET("/processes", s.listProcesses)
	api.GET("/history", s.listHistory)

	// Filesystem
	api.POST("/readFile", s.readFile)
	api.POST("/writeFile", s.writeFile)
	api.POST("/listDir", s.listDir)
	api.POST("/createDir", s.createDir)
	api.POST("/delete", s.deletePath)
	api.POST("/stat", s.stat)

	// Snapshots
	api.GET("/snapshot", s.downloadSnapshot)
	api.POST("/snapshots", s.uploadSnapshot)
	api.POST("/snapshots/restore", s.restoreSnapshot)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, types.HealthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(healthTimeFormat),
	})
}

func (s *Server) workspaceInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, types.WorkspaceResponse{Path: s.ws.Root()})
}
