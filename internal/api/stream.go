package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/workbench/internal/process"
	"github.com/opensandbox/workbench/pkg/types"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	// CORS already allows any origin for the JSON API.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// frameConn serialises writes; gorilla connections allow one writer at a time.
type frameConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	broken bool
}

func (f *frameConn) send(frame types.StreamFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return
	}
	f.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := f.conn.WriteJSON(frame); err != nil {
		f.broken = true
	}
}

// executeStream runs a command like execute but streams output over a
// WebSocket. Validation errors are plain JSON responses sent before the
// upgrade. Closing the socket cancels the command.
func (s *Server) executeStream(c echo.Context) error {
	req := types.ExecuteRequest{
		Command:   c.QueryParam("command"),
		Cwd:       c.QueryParam("cwd"),
		SessionID: c.QueryParam("sessionId"),
	}
	if strings.TrimSpace(req.Command) == "" {
		return badRequest(c, "command is required")
	}
	dir, cerr := s.resolveCwd(req.Cwd)
	if cerr != nil {
		return fail(c, cerr.status, cerr.msg)
	}

	// Upgrade writes its own HTTP error response.
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("workbench: stream upgrade: %v", err)
		return nil
	}
	defer conn.Close()
	fc := &frameConn{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Any read error means the client closed the socket.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("workbench: stream reader panic: %v", r)
			}
		}()
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	res, err := s.executor.Execute(ctx, process.Request{
		Command:   req.Command,
		Dir:       dir,
		SessionID: req.SessionID,
		OnOutput: func(stream process.Stream, chunk []byte) {
			fc.send(types.StreamFrame{Type: stream.String(), Data: string(chunk)})
		},
	})
	if res != nil {
		s.record(req, res)
	}

	switch {
	case errors.Is(err, context.Canceled):
		log.Printf("workbench: stream client went away during %q, process terminated", req.Command)
		return nil
	case err != nil:
		fc.send(types.StreamFrame{Type: types.FrameError, Error: err.Error()})
	default:
		result := toResponse(res)
		fc.send(types.StreamFrame{Type: types.FrameExit, Result: &result})
	}

	fc.mu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	fc.mu.Unlock()
	return nil
}
