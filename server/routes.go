// routes.go - route table
package server

import "github.com/gin-gonic/gin"

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET(orDefault(s.cfg.API.HealthEndpoint, "/health"), s.handleHealth)

	r.GET("/v1/models", s.handleListModels)
	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/completions", s.handleCompletions)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.POST("/v1/rerank", s.handleRerank)

	r.POST("/v1/runners/:id/start", s.handleRunnerStart)
	r.POST("/v1/runners/:id/stop", s.handleRunnerStop)
	r.POST("/v1/runners/:id/restart", s.handleRunnerRestart)

	// supplemental: runner snapshots, event history, live log tail
	r.GET("/v1/runners", s.handleListRunners)
	r.GET("/v1/events", s.handleEvents)
	r.GET("/v1/runners/:id/logs/stream", s.handleLogStream)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
