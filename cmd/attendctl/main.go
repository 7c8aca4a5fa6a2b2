// Command attendctl runs maintenance tasks against the attendance database:
// migrations, manual sweeps, reports and CSV exports.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/storage"
)

var (
	configFlag string
	rootCmd    = &cobra.Command{
		Use:           "attendctl",
		Short:         "Maintenance CLI for the attendance service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "configs/config.yaml", "path to config file (empty for env only)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every database-backed command needs.
type env struct {
	cfg    *config.Config
	db     *storage.PostgresStore
	engine *attendance.Engine
}

func openEnv() (*env, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	observability.SetupLogger(cfg.Logging.Level, "text")

	loc, err := cfg.Attendance.Location()
	if err != nil {
		return nil, err
	}
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	engine := attendance.NewEngine(db, attendance.Config{
		Window:        cfg.Attendance.Window,
		LabelBoundary: cfg.Attendance.LabelBoundary,
		Location:      loc,
	})
	return &env{cfg: cfg, db: db, engine: engine}, nil
}

func (e *env) close() {
	e.db.Close()
}

func init() {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			applied, err := e.db.Migrate(context.Background())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
				return nil
			}
			for _, name := range applied {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}
	rootCmd.AddCommand(migrateCmd)
}
