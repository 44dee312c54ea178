package main

import (
	"github.com/spf13/cobra"

	"task-dispatch-service/internal/app"
	"task-dispatch-service/internal/config"
	pkgdb "task-dispatch-service/pkg/db"
	"task-dispatch-service/pkg/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the task and directory tables",
	RunE:  migrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func migrate(cmd *cobra.Command, args []string) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	log := logging.New("migrate", env.LogLevel)

	gormDB, err := app.OpenDB(env, log)
	if err != nil {
		return err
	}
	defer pkgdb.Close(gormDB)

	if err := app.Migrate(gormDB); err != nil {
		return err
	}
	log.Info().Str("db_type", env.Type).Msg("database migration successful")
	return nil
}
