// service.go - "flexllama service {install,uninstall}": register the
// gateway as an OS service, so it survives reboots without a terminal.
//
// Grounded on LogLibrarian's scribe agent, the pack's only kardianos/service
// consumer: a Program implementing service.Interface, Start launching the
// real work on a goroutine and returning immediately, Stop closing a
// shutdown channel.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

func newServiceCmd() *cobra.Command {
	var logDir string

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install, uninstall, or run the gateway as an OS service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Register the gateway as an OS service",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newGatewayService(logDir)
			if err != nil {
				return err
			}
			return svc.Install()
		},
	}

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gateway OS service registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newGatewayService(logDir)
			if err != nil {
				return err
			}
			return svc.Uninstall()
		},
	}

	runCmd := &cobra.Command{
		Use:    "run",
		Short:  "Run under the OS service manager (invoked by the manager, not a user)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newGatewayService(logDir)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	}

	cmd.PersistentFlags().StringVar(&logDir, "log-dir", "logs", "directory for per-runner child process logs")
	cmd.AddCommand(installCmd, uninstallCmd, runCmd)
	return cmd
}

func newGatewayService(logDir string) (service.Service, error) {
	svcConfig := &service.Config{
		Name:        "flexllama",
		DisplayName: "FlexLlama Gateway",
		Description: "Multiplexing gateway fronting llama.cpp inference servers behind an OpenAI-compatible API",
	}
	return service.New(&gatewayProgram{logDir: logDir}, svcConfig)
}

// gatewayProgram adapts runServe to service.Interface: Start must not block,
// so the real work runs on a goroutine; Stop cancels its context.
type gatewayProgram struct {
	logDir string
	cancel context.CancelFunc
}

func (p *gatewayProgram) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		if err := runServe(ctx, p.logDir); err != nil {
			slog.Error("gateway exited", "error", err)
		}
	}()
	return nil
}

func (p *gatewayProgram) Stop(s service.Service) error {
	if p.cancel == nil {
		return fmt.Errorf("service: stop called before start")
	}
	p.cancel()
	return nil
}
