// control.go - POST /v1/runners/{id}/{start,stop,restart}
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flexllama/flexllama/runner"
)

func (s *Server) handleRunnerStart(c *gin.Context) {
	s.controlOp(c, func(r *runner.Runner) error { return r.Start(c.Request.Context()) })
}

func (s *Server) handleRunnerStop(c *gin.Context) {
	s.controlOp(c, func(r *runner.Runner) error { return r.Stop(c.Request.Context()) })
}

func (s *Server) handleRunnerRestart(c *gin.Context) {
	s.controlOp(c, func(r *runner.Runner) error { return r.Restart(c.Request.Context()) })
}

func (s *Server) controlOp(c *gin.Context, op func(*runner.Runner) error) {
	id := c.Param("id")
	r, ok := s.sup.Runner(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"message": "unknown runner " + id}})
		return
	}

	err := op(r)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	if errors.Is(err, runner.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": gin.H{"message": err.Error()}})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": gin.H{"message": err.Error()}})
}
