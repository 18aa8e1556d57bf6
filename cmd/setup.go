package main

import (
	"context"
	"fmt"
	"os"

	"github.com/desertthunder/livesync/internal/shared"
	"github.com/urfave/cli/v3"
)

// SetupDatabase writes a config file when none exists, then initializes the database and runs migrations.
func (r *Runner) SetupDatabase(ctx context.Context, cmd *cli.Command) error {
	configPath := r.configPath

	if _, err := os.Stat(configPath); err != nil {
		r.logger.Info("config file not found, creating from template", "path", configPath)
		if err := shared.CreateConfigFile(configPath); err != nil {
			r.logger.Warn("failed to create config file, using current settings", "error", err)
		} else {
			r.logger.Info("config file created", "path", configPath)
			config, err := shared.LoadConfig(configPath)
			if err != nil {
				r.logger.Warn("failed to load created config, using current settings", "error", err)
			} else if err := shared.ApplyEnv(config); err != nil {
				r.logger.Warn("failed to apply environment, using current settings", "error", err)
			} else {
				r.config = config
			}
		}
	}

	r.logger.Info("initializing database", "driver", r.config.Database.Driver)

	if _, err := r.database(); err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}

	r.logger.Infof("setup complete for database: %v", r.target())
	return r.writePlain("✓ Database ready (%s)\n", r.target())
}

// SetupRollback rolls back the most recent migration.
func (r *Runner) SetupRollback(ctx context.Context, cmd *cli.Command) error {
	db, err := r.database()
	if err != nil {
		return err
	}

	if err := shared.RollbackMigration(db); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return r.writePlain("✓ Rolled back the latest migration\n")
}

// target names the configured database without credentials.
func (r *Runner) target() string {
	if r.config.Database.Driver == shared.DriverPostgres {
		return "postgres"
	}
	return r.config.Database.Path
}
