package shared

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Environment variables that override the configuration file.
const (
	EnvDatabaseDriver = "LIVESYNC_DATABASE_DRIVER"
	EnvDatabasePath   = "LIVESYNC_DATABASE_PATH"
	EnvDatabaseDSN    = "LIVESYNC_DATABASE_DSN"
	EnvServerPort     = "LIVESYNC_SERVER_PORT"
	EnvServerAPIKey   = "LIVESYNC_SERVER_API_KEY"
	EnvRealtimeURL    = "LIVESYNC_REALTIME_URL"
	EnvRealtimeAPIKey = "LIVESYNC_REALTIME_API_KEY"
	EnvPollInterval   = "LIVESYNC_POLL_INTERVAL"
	EnvLogLevel       = "LIVESYNC_LOG_LEVEL"
	EnvRollbarToken   = "LIVESYNC_ROLLBAR_TOKEN"
)

// LoadEnv loads variables from the given .env files into the process environment.
//
// Missing files are skipped; variables already set are not overwritten.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides config values with LIVESYNC_* environment variables.
func ApplyEnv(c *Config) error {
	setString(&c.Database.Driver, EnvDatabaseDriver)
	setString(&c.Database.Path, EnvDatabasePath)
	setString(&c.Database.DSN, EnvDatabaseDSN)
	setString(&c.Server.APIKey, EnvServerAPIKey)
	setString(&c.Realtime.URL, EnvRealtimeURL)
	setString(&c.Realtime.APIKey, EnvRealtimeAPIKey)
	setString(&c.Log.Level, EnvLogLevel)
	setString(&c.Diagnostics.RollbarToken, EnvRollbarToken)

	if v, ok := os.LookupEnv(EnvServerPort); ok {
		port, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvServerPort, v)
		}
		c.Server.Port = port
	}

	if v, ok := os.LookupEnv(EnvPollInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvPollInterval, v)
		}
		c.Realtime.PollInterval = d
	}

	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
