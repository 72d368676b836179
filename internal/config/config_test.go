package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}

	// Test storage defaults
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Expected default driver sqlite, got %s", cfg.Storage.Driver)
	}
	if cfg.Storage.SQLitePath == "" {
		t.Error("Expected default sqlite path")
	}

	// Export is opt-in
	if cfg.ClickHouse.Enabled {
		t.Error("Expected ClickHouse export to be disabled by default")
	}
	if cfg.ClickHouse.Table != "metric_snapshots" {
		t.Errorf("Expected table metric_snapshots, got %s", cfg.ClickHouse.Table)
	}

	if cfg.OTLP.GRPCPort != 4317 {
		t.Errorf("Expected OTLP gRPC port 4317, got %d", cfg.OTLP.GRPCPort)
	}

	if cfg.Performance.ConflictRetryAttempts != 3 {
		t.Errorf("Expected 3 conflict retry attempts, got %d", cfg.Performance.ConflictRetryAttempts)
	}
	if cfg.Performance.WorkerCount != 4 {
		t.Errorf("Expected worker count 4, got %d", cfg.Performance.WorkerCount)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "mongo" },
			wantErr: true,
		},
		{
			name:    "missing sqlite path",
			mutate:  func(c *Config) { c.Storage.SQLitePath = "" },
			wantErr: true,
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Storage.Driver = DriverPostgres
				c.Storage.PostgresDSN = ""
			},
			wantErr: true,
		},
		{
			name: "postgres with dsn",
			mutate: func(c *Config) {
				c.Storage.Driver = DriverPostgres
				c.Storage.PostgresDSN = "postgres://localhost/metricsnap"
			},
			wantErr: false,
		},
		{
			name: "clickhouse enabled without addresses",
			mutate: func(c *Config) {
				c.ClickHouse.Enabled = true
				c.ClickHouse.Addresses = nil
			},
			wantErr: true,
		},
		{
			name: "clickhouse disabled ignores addresses",
			mutate: func(c *Config) {
				c.ClickHouse.Addresses = nil
			},
			wantErr: false,
		},
		{
			name:    "invalid batch size",
			mutate:  func(c *Config) { c.Performance.BatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "invalid worker count",
			mutate:  func(c *Config) { c.Performance.WorkerCount = 0 },
			wantErr: true,
		},
		{
			name:    "invalid retry attempts",
			mutate:  func(c *Config) { c.Performance.ConflictRetryAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "invalid store timeout",
			mutate:  func(c *Config) { c.Performance.StoreTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero ingest retry attempts",
			mutate:  func(c *Config) { c.Performance.RetryMaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "negative ingest retry attempts",
			mutate:  func(c *Config) { c.Performance.RetryMaxAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Server.ShutdownTimeout = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9999
  read_timeout: 60s

storage:
  driver: postgres
  postgres_dsn: "postgres://user:pass@db:5432/metricsnap"

clickhouse:
  enabled: true
  addresses:
    - "clickhouse:9000"
  database: "snapshots"

monitoring:
  log_level: "debug"
  log_format: "console"

performance:
  batch_size: 250
  worker_count: 8
  conflict_retry_attempts: 5
  store_timeout: 2s
`

	if err := os.WriteFile(path, []byte(configContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.Server.Port)
	}
	// Unset keys keep defaults
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Expected default write timeout, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Storage.Driver != DriverPostgres {
		t.Errorf("Expected postgres driver, got %s", cfg.Storage.Driver)
	}
	if cfg.ClickHouse.Database != "snapshots" {
		t.Errorf("Expected database snapshots, got %s", cfg.ClickHouse.Database)
	}
	if cfg.ClickHouse.Table != "metric_snapshots" {
		t.Errorf("Expected default table, got %s", cfg.ClickHouse.Table)
	}
	if cfg.Performance.BatchSize != 250 {
		t.Errorf("Expected batch size 250, got %d", cfg.Performance.BatchSize)
	}
	if cfg.Performance.ConflictRetryAttempts != 5 {
		t.Errorf("Expected 5 retry attempts, got %d", cfg.Performance.ConflictRetryAttempts)
	}
	if cfg.Performance.StoreTimeout != 2*time.Second {
		t.Errorf("Expected store timeout 2s, got %v", cfg.Performance.StoreTimeout)
	}
}

func TestLoadConfigWithInvalidFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error loading nonexistent config file")
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: oracle\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected validation error for unknown driver")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "POSTGRES")
	t.Setenv("POSTGRES_DSN", "postgres://env/db")
	t.Setenv("CLICKHOUSE_HOST", "env-host:9000")
	t.Setenv("CLICKHOUSE_DATABASE", "env_db")
	t.Setenv("CLICKHOUSE_USERNAME", "env_user")
	t.Setenv("CLICKHOUSE_PASSWORD", "env_pass")
	t.Setenv("CLICKHOUSE_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OTLP_GRPC_PORT", "5317")
	t.Setenv("HTTP_PORT", "8181")

	cfg := DefaultConfig()
	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	if cfg.Storage.Driver != DriverPostgres {
		t.Errorf("Expected postgres, got %s", cfg.Storage.Driver)
	}
	if cfg.Storage.PostgresDSN != "postgres://env/db" {
		t.Errorf("Expected env dsn, got %s", cfg.Storage.PostgresDSN)
	}
	if cfg.ClickHouse.Addresses[0] != "env-host:9000" {
		t.Errorf("Expected env-host:9000, got %s", cfg.ClickHouse.Addresses[0])
	}
	if cfg.ClickHouse.Database != "env_db" {
		t.Errorf("Expected env_db, got %s", cfg.ClickHouse.Database)
	}
	if cfg.ClickHouse.Username != "env_user" {
		t.Errorf("Expected env_user, got %s", cfg.ClickHouse.Username)
	}
	if cfg.ClickHouse.Password != "env_pass" {
		t.Errorf("Expected env_pass, got %s", cfg.ClickHouse.Password)
	}
	if !cfg.ClickHouse.Enabled {
		t.Error("Expected ClickHouse export enabled")
	}
	if cfg.Monitoring.LogLevel != "debug" {
		t.Errorf("Expected debug, got %s", cfg.Monitoring.LogLevel)
	}
	if cfg.OTLP.GRPCPort != 5317 {
		t.Errorf("Expected 5317, got %d", cfg.OTLP.GRPCPort)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("Expected 8181, got %d", cfg.Server.Port)
	}
}

func TestApplyEnvOverridesRejectsBadNumbers(t *testing.T) {
	t.Setenv("OTLP_GRPC_PORT", "not-a-port")

	if err := applyEnvOverrides(DefaultConfig()); err == nil {
		t.Error("Expected error for non-numeric port")
	}
}

func TestLoadFromEnvWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("SQLITE_PATH", "/tmp/snapshots.db")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Storage.SQLitePath != "/tmp/snapshots.db" {
		t.Errorf("Expected env sqlite path, got %s", cfg.Storage.SQLitePath)
	}
}

func TestConfigTimeouts(t *testing.T) {
	cfg := DefaultConfig()

	expected := 30 * time.Second
	if cfg.Server.ReadTimeout != expected {
		t.Errorf("Expected read timeout %v, got %v", expected, cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != expected {
		t.Errorf("Expected write timeout %v, got %v", expected, cfg.Server.WriteTimeout)
	}
	if cfg.Server.ShutdownTimeout != expected {
		t.Errorf("Expected shutdown timeout %v, got %v", expected, cfg.Server.ShutdownTimeout)
	}
}

func TestConfigPerformanceSettings(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Performance.BatchTimeout != 5*time.Second {
		t.Errorf("Expected batch timeout 5s, got %v", cfg.Performance.BatchTimeout)
	}
	if cfg.Performance.StoreTimeout != 5*time.Second {
		t.Errorf("Expected store timeout 5s, got %v", cfg.Performance.StoreTimeout)
	}
	if cfg.Performance.RetryMaxAttempts != 5 {
		t.Errorf("Expected retry max attempts 5, got %d", cfg.Performance.RetryMaxAttempts)
	}
	if cfg.Performance.RetryInitialInterval != 1*time.Second {
		t.Errorf("Expected retry initial interval 1s, got %v", cfg.Performance.RetryInitialInterval)
	}
}
