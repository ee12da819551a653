// models.go - GET /v1/models
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleListModels is a pure function of the immutable catalog: it never
// touches runner state, so a concurrent load/unload can't change its shape.
func (s *Server) handleListModels(c *gin.Context) {
	list := s.sup.Catalog().List()
	data := make([]gin.H, 0, len(list))
	for _, m := range list {
		data = append(data, gin.H{
			"id":     m.Alias,
			"object": "model",
			"owned_by": "flexllama",
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}
