// health_handler.go - GET /health, the aggregate gateway health endpoint
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type runnerInfoView struct {
	Host                      string   `json:"host"`
	Port                      int      `json:"port"`
	AutoUnloadTimeoutSeconds  float64  `json:"auto_unload_timeout_seconds"`
	AutoUnloadCountdownSecond *float64 `json:"auto_unload_countdown_seconds,omitempty"`
}

type modelHealthView struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	runners := s.sup.Runners()
	now := time.Now()

	activeRunners := make(map[string]bool, len(runners))
	currentModels := make(map[string]*string, len(runners))
	runnerInfo := make(map[string]runnerInfoView, len(runners))

	for id, r := range runners {
		info := r.Snapshot()
		activeRunners[id] = info.Alive

		if info.CurrentModel != "" {
			m := info.CurrentModel
			currentModels[id] = &m
		} else {
			currentModels[id] = nil
		}

		runnerInfo[id] = runnerInfoView{
			Host:                      info.Host,
			Port:                      info.Port,
			AutoUnloadTimeoutSeconds:  s.cfg.Runners[id].AutoUnloadTimeout.Seconds(),
			AutoUnloadCountdownSecond: r.IdleCountdown(now),
		}
	}

	modelHealth := make(map[string]modelHealthView)
	for alias, snap := range s.healthAgg.All() {
		modelHealth[alias] = modelHealthView{Status: string(snap.Status), Message: snap.Message}
	}

	c.JSON(http.StatusOK, gin.H{
		"active_runners":         activeRunners,
		"runner_current_models":  currentModels,
		"runner_info":            runnerInfo,
		"model_health":           modelHealth,
	})
}
