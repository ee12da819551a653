// events.go - GET /v1/runners (live snapshots) and GET /v1/events (ring buffer)
package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleListRunners(c *gin.Context) {
	runners := s.sup.Runners()
	out := make(map[string]any, len(runners))
	for id, r := range runners {
		out[id] = gin.H{
			"snapshot": r.Snapshot(),
			"aliases":  s.sup.Catalog().AliasesForRunner(id),
		}
	}
	c.JSON(http.StatusOK, gin.H{"runners": out})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": s.sup.Events(limit)})
}
