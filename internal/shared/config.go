package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Server      ServerConfig      `toml:"server"`
	Realtime    RealtimeConfig    `toml:"realtime"`
	Log         LogConfig         `toml:"log"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver       string `toml:"driver"`
	Path         string `toml:"path"`
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// Source returns the data source name for the configured driver.
func (c DatabaseConfig) Source() string {
	if c.Driver == DriverPostgres {
		return c.DSN
	}
	return c.Path
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	APIKey string `toml:"api_key"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RealtimeConfig contains changefeed and remote client settings.
type RealtimeConfig struct {
	URL          string        `toml:"url"`
	APIKey       string        `toml:"api_key"`
	PollInterval time.Duration `toml:"poll_interval"`
	ReconnectMin time.Duration `toml:"reconnect_min"`
	ReconnectMax time.Duration `toml:"reconnect_max"`
	MaxPending   int           `toml:"max_pending"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// DiagnosticsConfig contains error reporting settings.
type DiagnosticsConfig struct {
	RollbarToken string `toml:"rollbar_token"`
	Environment  string `toml:"environment"`
}

// Validate checks settings that would otherwise fail later and less clearly.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Database.Driver)
	}
	if c.Database.Source() == "" {
		return fmt.Errorf("%w: database %s source is empty", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Realtime.PollInterval <= 0 {
		return fmt.Errorf("%w: realtime.poll_interval must be positive", ErrInvalidConfig)
	}
	if c.Realtime.ReconnectMin <= 0 || c.Realtime.ReconnectMax < c.Realtime.ReconnectMin {
		return fmt.Errorf("%w: realtime reconnect bounds", ErrInvalidConfig)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys missing from the file keep the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
