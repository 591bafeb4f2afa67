package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for graystore.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Changefeed ChangefeedConfig `yaml:"changefeed"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	// Path is the primary database file. WAL and SHM sidecars live next to it.
	Path string `yaml:"path"`

	// BusyTimeoutMS is how long a connection waits on a locked database
	// before returning SQLITE_BUSY, in milliseconds.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`

	// MaxReaders caps the reader connection pool. The writer pool is always
	// a single connection.
	MaxReaders int `yaml:"max_readers"`

	// ForeignKeys enables foreign key enforcement on every connection.
	ForeignKeys bool `yaml:"foreign_keys"`
}

// NotifierConfig contains cross-process change signal settings.
type NotifierConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is where the signal file lives. Empty means the database directory.
	// All processes sharing the database file must agree on this location.
	Dir string `yaml:"dir"`
}

// ChangefeedConfig contains MQTT change publishing settings.
type ChangefeedConfig struct {
	Enabled   bool                      `yaml:"enabled"`
	Broker    ChangefeedBrokerConfig    `yaml:"broker"`
	Auth      ChangefeedAuthConfig      `yaml:"auth"`
	QoS       int                       `yaml:"qos"`
	Reconnect ChangefeedReconnectConfig `yaml:"reconnect"`
}

// ChangefeedBrokerConfig contains MQTT broker connection details.
type ChangefeedBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// ChangefeedAuthConfig contains MQTT authentication credentials.
type ChangefeedAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ChangefeedReconnectConfig contains MQTT reconnection settings, in seconds.
type ChangefeedReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// TelemetryConfig contains InfluxDB connection settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYSTORE_SECTION_KEY
// For example: GRAYSTORE_DATABASE_PATH, GRAYSTORE_TELEMETRY_TOKEN
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:          "./data/graystore.db",
			BusyTimeoutMS: 5000,
			MaxReaders:    10,
			ForeignKeys:   true,
		},
		Notifier: NotifierConfig{
			Enabled: true,
		},
		Changefeed: ChangefeedConfig{
			Broker: ChangefeedBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graystore",
			},
			QoS: 1,
			Reconnect: ChangefeedReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Telemetry: TelemetryConfig{
			URL:           "http://localhost:8086",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYSTORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYSTORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Notifier
	if v := os.Getenv("GRAYSTORE_NOTIFIER_DIR"); v != "" {
		cfg.Notifier.Dir = v
	}

	// Changefeed
	if v := os.Getenv("GRAYSTORE_CHANGEFEED_HOST"); v != "" {
		cfg.Changefeed.Broker.Host = v
	}
	if v := os.Getenv("GRAYSTORE_CHANGEFEED_USERNAME"); v != "" {
		cfg.Changefeed.Auth.Username = v
	}
	if v := os.Getenv("GRAYSTORE_CHANGEFEED_PASSWORD"); v != "" {
		cfg.Changefeed.Auth.Password = v
	}

	// Telemetry
	if v := os.Getenv("GRAYSTORE_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYSTORE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.MaxReaders < 1 {
		errs = append(errs, "database.max_readers must be at least 1")
	}
	if c.Database.BusyTimeoutMS < 0 {
		errs = append(errs, "database.busy_timeout_ms must not be negative")
	}

	// Changefeed validation
	if c.Changefeed.QoS < 0 || c.Changefeed.QoS > 2 {
		errs = append(errs, "changefeed.qos must be 0, 1, or 2")
	}
	if c.Changefeed.Enabled {
		if c.Changefeed.Broker.Host == "" {
			errs = append(errs, "changefeed.broker.host is required when changefeed is enabled")
		}
		if c.Changefeed.Broker.Port < 1 || c.Changefeed.Broker.Port > 65535 {
			errs = append(errs, "changefeed.broker.port must be between 1 and 65535")
		}
		if c.Changefeed.Broker.ClientID == "" {
			errs = append(errs, "changefeed.broker.client_id is required when changefeed is enabled")
		}
	}

	// Telemetry validation
	if c.Telemetry.Enabled {
		if c.Telemetry.URL == "" {
			errs = append(errs, "telemetry.url is required when telemetry is enabled")
		}
		if c.Telemetry.Token == "" {
			errs = append(errs, "telemetry.token is required when telemetry is enabled (set GRAYSTORE_TELEMETRY_TOKEN environment variable)")
		}
		if c.Telemetry.Org == "" {
			errs = append(errs, "telemetry.org is required when telemetry is enabled")
		}
		if c.Telemetry.Bucket == "" {
			errs = append(errs, "telemetry.bucket is required when telemetry is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BusyTimeout returns the database busy timeout as a Duration.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Database.BusyTimeoutMS) * time.Millisecond
}

// ReconnectInitialDelay returns the changefeed initial reconnect delay as a Duration.
func (c *Config) ReconnectInitialDelay() time.Duration {
	return time.Duration(c.Changefeed.Reconnect.InitialDelay) * time.Second
}

// ReconnectMaxDelay returns the changefeed maximum reconnect delay as a Duration.
func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Changefeed.Reconnect.MaxDelay) * time.Second
}
