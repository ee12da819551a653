// serve.go - the "serve" subcommand: load config, start the gateway, run
// until signalled, shut down every runner gracefully.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexllama/flexllama/config"
	"github.com/flexllama/flexllama/envconfig"
	"github.com/flexllama/flexllama/health"
	"github.com/flexllama/flexllama/logutil"
	"github.com/flexllama/flexllama/server"
	"github.com/flexllama/flexllama/supervisor"
)

const (
	launchDeadline  = 60 * time.Second
	stopGrace       = 10 * time.Second
	shutdownGrace   = 15 * time.Second
	healthInterval  = 2 * time.Second
)

func newServeCmd() *cobra.Command {
	var logDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and every configured runner supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logDir)
		},
	}

	cmd.Flags().StringVar(&logDir, "log-dir", "logs", "directory for per-runner child process logs")
	return cmd
}

func runServe(ctx context.Context, logDir string) error {
	logger := logutil.NewLogger(os.Stdout, envconfig.LogLevel())
	slog.SetDefault(logger)

	logger.Info("starting flexllama", "env", envconfig.Values())

	cfgPath := envconfig.ConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	if host := envconfig.Host(); host != "" {
		if h, p, err := net.SplitHostPort(host); err == nil {
			cfg.API.Host = h
			if port, err := parsePort(p); err == nil {
				cfg.API.Port = port
			}
		} else {
			cfg.API.Host = host
		}
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating log directory %s: %w", logDir, err)
	}

	catalog := config.NewCatalog(cfg)
	sup := supervisor.New(cfg, catalog, logDir, launchDeadline, stopGrace)
	healthAgg := health.NewAggregator(sup, healthInterval)
	srv := server.NewServer(cfg, sup, healthAgg, logDir)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AutoStartRunners {
		sup.AutostartDefaults(ctx)
	}

	go healthAgg.Run(ctx)
	go sup.RunIdleTicker(ctx)

	addr := net.JoinHostPort(cfg.API.Host, fmt.Sprintf("%d", cfg.API.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	serveErr := srv.Run(ctx, ln, shutdownGrace)

	logger.Info("stopping runners")
	if err := sup.Shutdown(context.Background()); err != nil {
		logger.Error("runner shutdown reported errors", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("server: %w", serveErr)
	}
	return nil
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}
