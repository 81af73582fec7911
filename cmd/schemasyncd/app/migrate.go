package app

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/graphmesh/schemasync/internal/config"
	"github.com/graphmesh/schemasync/internal/db"
)

func newMigrateCmd(logger *zap.Logger) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long:  `Database migration tool for managing schema versions. Use with 'up', 'down' or 'version' subcommands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	migrateCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := migrateCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	migrateCmd.AddCommand(newMigrateUpCmd(logger))
	migrateCmd.AddCommand(newMigrateDownCmd(logger))
	migrateCmd.AddCommand(newMigrateVersionCmd(logger))

	return migrateCmd
}

// migratorFromFlags loads the config named by --config and opens a migrator
// against its database.
func migratorFromFlags(cmd *cobra.Command) (db.Migrator, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	return db.NewMigrator(connString)
}

func newMigrateUpCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		Long: `Apply all pending database migrations to bring the schema up to date.
The database connection parameters are read from the config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := migratorFromFlags(cmd)
			if err != nil {
				return err
			}
			logger.Info("applying database migrations")
			if err := m.Up(); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					logger.Info("no migrations to apply, database is up to date")
					return nil
				}
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			logMigrationVersion(m, logger)
			return nil
		},
	}
}

func newMigrateDownCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Revert database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := migratorFromFlags(cmd)
			if err != nil {
				return err
			}
			logger.Info("reverting database migrations")
			if err := m.Down(); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					logger.Info("no migrations to revert")
					return nil
				}
				return fmt.Errorf("failed to revert migrations: %w", err)
			}
			logger.Info("migrations reverted")
			return nil
		},
	}
}

func newMigrateVersionCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current migration version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := migratorFromFlags(cmd)
			if err != nil {
				return err
			}
			logMigrationVersion(m, logger)
			return nil
		},
	}
}

func logMigrationVersion(m db.Migrator, logger *zap.Logger) {
	version, dirty, err := m.Version()
	switch {
	case err != nil:
		logger.Warn("unable to get migration version", zap.Error(err))
	case dirty:
		logger.Warn("database is in a dirty state", zap.Uint("version", version))
	default:
		logger.Info("current migration version", zap.Uint("version", version))
	}
}
