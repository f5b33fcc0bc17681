package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lk2023060901/danmu-realtime/application"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a worker that accepts WebSocket connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app := application.New(*configPath)
			if err := app.Init(); err != nil {
				return err
			}
			return app.Serve(ctx)
		},
	}
}
