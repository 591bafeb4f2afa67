package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
database:
  path: "/tmp/test.db"
  busy_timeout_ms: 2500
  max_readers: 4
notifier:
  enabled: true
  dir: "/tmp/signals"
changefeed:
  enabled: false
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
logging:
  level: "debug"
  format: "text"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if cfg.Database.MaxReaders != 4 {
		t.Errorf("Database.MaxReaders = %d, want 4", cfg.Database.MaxReaders)
	}

	if cfg.Notifier.Dir != "/tmp/signals" {
		t.Errorf("Notifier.Dir = %q, want %q", cfg.Notifier.Dir, "/tmp/signals")
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
database:
  path: ""
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty database.path, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "zero readers",
			mutate:  func(c *Config) { c.Database.MaxReaders = 0 },
			wantErr: true,
		},
		{
			name:    "negative busy timeout",
			mutate:  func(c *Config) { c.Database.BusyTimeoutMS = -1 },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.Changefeed.QoS = 3 },
			wantErr: true,
		},
		{
			name: "changefeed enabled without host",
			mutate: func(c *Config) {
				c.Changefeed.Enabled = true
				c.Changefeed.Broker.Host = ""
			},
			wantErr: true,
		},
		{
			name: "changefeed enabled with invalid port",
			mutate: func(c *Config) {
				c.Changefeed.Enabled = true
				c.Changefeed.Broker.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "changefeed enabled without client id",
			mutate: func(c *Config) {
				c.Changefeed.Enabled = true
				c.Changefeed.Broker.ClientID = ""
			},
			wantErr: true,
		},
		{
			name: "telemetry enabled without token",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Org = "org"
				c.Telemetry.Bucket = "bucket"
			},
			wantErr: true,
		},
		{
			name: "telemetry enabled fully configured",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Token = "secret"
				c.Telemetry.Org = "org"
				c.Telemetry.Bucket = "bucket"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	// Set environment variables
	t.Setenv("GRAYSTORE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYSTORE_NOTIFIER_DIR", "/custom/signals")
	t.Setenv("GRAYSTORE_CHANGEFEED_HOST", "mqtt.example.com")
	t.Setenv("GRAYSTORE_CHANGEFEED_USERNAME", "testuser")
	t.Setenv("GRAYSTORE_CHANGEFEED_PASSWORD", "testpass")
	t.Setenv("GRAYSTORE_TELEMETRY_TOKEN", "secret-token")
	t.Setenv("GRAYSTORE_LOGGING_LEVEL", "warn")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}

	if cfg.Notifier.Dir != "/custom/signals" {
		t.Errorf("Notifier.Dir = %q, want %q", cfg.Notifier.Dir, "/custom/signals")
	}

	if cfg.Changefeed.Broker.Host != "mqtt.example.com" {
		t.Errorf("Changefeed.Broker.Host = %q, want %q", cfg.Changefeed.Broker.Host, "mqtt.example.com")
	}

	if cfg.Changefeed.Auth.Username != "testuser" {
		t.Errorf("Changefeed.Auth.Username = %q, want %q", cfg.Changefeed.Auth.Username, "testuser")
	}

	if cfg.Changefeed.Auth.Password != "testpass" {
		t.Errorf("Changefeed.Auth.Password = %q, want %q", cfg.Changefeed.Auth.Password, "testpass")
	}

	if cfg.Telemetry.Token != "secret-token" {
		t.Errorf("Telemetry.Token = %q, want %q", cfg.Telemetry.Token, "secret-token")
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.Database.MaxReaders < 1 {
		t.Errorf("defaultConfig Database.MaxReaders = %d, want >= 1", cfg.Database.MaxReaders)
	}

	if !cfg.Notifier.Enabled {
		t.Error("defaultConfig should enable the notifier")
	}

	if cfg.Changefeed.Enabled {
		t.Error("defaultConfig should not enable the changefeed")
	}

	if cfg.Telemetry.Enabled {
		t.Error("defaultConfig should not enable telemetry")
	}

	if got := cfg.BusyTimeout(); got != 5*time.Second {
		t.Errorf("BusyTimeout() = %v, want %v", got, 5*time.Second)
	}
}
