package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/refinery/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the refinery HTTP API",
	Long: `Start the HTTP API: session management, SSE event streams, health and
prometheus metrics. Shuts down gracefully on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := httpapi.NewServer(a.orch, a.store, a.broker, a.cfg, a.registry, a.logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Start(ctx)
}
