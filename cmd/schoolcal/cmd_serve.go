package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"schoolcal/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, job workers, inbox watcher and mailbox sync schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		defer application.Close()
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		return application.Run(ctx)
	},
}
