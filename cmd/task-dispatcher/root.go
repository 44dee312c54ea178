package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"task-dispatch-service/internal/app"
	"task-dispatch-service/internal/config"
	"task-dispatch-service/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:           "task-dispatcher",
	Short:         "Task dispatch and scheduling service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the auto-dispatch sweeper and the status consumer",
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	log := logging.New("task-dispatcher", env.LogLevel)

	svc, err := app.New(env, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("service close")
		}
	}()
	return svc.Run(ctx)
}
