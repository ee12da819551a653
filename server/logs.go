// logs.go - GET /v1/runners/{id}/logs/stream, a websocket log tail
//
// Purely observational: cancelling the websocket never affects the runner.
// Grounded on the same hpcloud/tail follow-mode pattern the pack's log
// shippers use for rotated files.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleLogStream(c *gin.Context) {
	id := c.Param("id")
	rn, ok := s.sup.Runner(id)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("unknown runner "+id))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("log stream upgrade failed", "runner_id", id, "error", err)
		return
	}
	defer conn.Close()

	logPath, ok := rn.LogPath()
	if !ok {
		// The runner has no current process handle (never started, unloaded,
		// or failed); fall back to the path its processes write to.
		logPath = filepath.Join(s.logDir, fmt.Sprintf("%s.log", id))
	}
	t, err := tail.TailFile(logPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: os.SEEK_END},
	})
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, []byte("failed to tail log: "+err.Error()))
		return
	}
	defer t.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				return
			}
		}
	}
}
