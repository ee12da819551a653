// server.go - HTTP router and server lifecycle
//
// This module contains:
// - Server: holds the supervisor, health aggregator, and upstream client
// - NewServer: builds the gin engine and registers every route
// - Run: serves on a listener until ctx is cancelled, then drains gracefully
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/flexllama/flexllama/config"
	"github.com/flexllama/flexllama/health"
	"github.com/flexllama/flexllama/supervisor"
)

// Server is the request router: one gin engine bound to one Supervisor and
// one health Aggregator. It holds no mutable state of its own beyond the
// upstream HTTP client.
type Server struct {
	cfg       *config.Config
	sup       *supervisor.Supervisor
	healthAgg *health.Aggregator
	logDir    string
	retry     retryPolicy

	upstream *http.Client
	router   *gin.Engine
}

// NewServer builds a Server with every route registered. logDir must match
// the directory Runners were constructed with, so the log-tail endpoint can
// find each runner's rotated log file.
func NewServer(cfg *config.Config, sup *supervisor.Supervisor, healthAgg *health.Aggregator, logDir string) *Server {
	s := &Server{
		cfg:       cfg,
		sup:       sup,
		healthAgg: healthAgg,
		logDir:    logDir,
		retry:     newRetryPolicy(cfg.Retry),
		upstream:  &http.Client{},
	}
	s.router = s.newRouter()
	return s
}

// Handler returns the http.Handler serving every registered route.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) newRouter() *gin.Engine {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept"}

	r := gin.New()
	r.Use(gin.Recovery(), ginSlogLogger(), cors.New(corsConfig))
	s.registerRoutes(r)
	return r
}

// ginSlogLogger replaces gin's default text logger with a structured
// request-completion log line via log/slog.
func ginSlogLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Run serves on ln until ctx is cancelled, then shuts down the HTTP server
// gracefully within shutdownGrace.
func (s *Server) Run(ctx context.Context, ln net.Listener, shutdownGrace time.Duration) error {
	srv := &http.Server{Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return <-errCh
	}
}
