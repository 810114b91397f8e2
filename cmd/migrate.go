package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/config"
	"github.com/neuralforge/forged/internal/infrastructure/postgres"
	"github.com/neuralforge/forged/internal/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema migrations",
	Long: `Apply the embedded schema migrations to the configured PostgreSQL
database. Re-running against an up-to-date schema is a no-op.

  forged migrate --database-url postgres://localhost:5432/forge`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithFlags(cfgFile, rootCmd.PersistentFlags())
	if err != nil {
		return err
	}
	log.Init(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required (environment or --database-url)")
	}
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	log.Info(cmd.Context(), "migrate.applied",
		zap.String("database", redactURL(cfg.DatabaseURL)))
	return nil
}

// redactURL masks the password so connection strings are loggable.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}
	return u.Redacted()
}
