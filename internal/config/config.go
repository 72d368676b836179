package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	OTLP        OTLPConfig        `yaml:"otlp"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Performance PerformanceConfig `yaml:"performance"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the snapshot persistence backend
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	SQLitePath      string        `yaml:"sqlite_path"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ClickHouseConfig contains settings for the analytics export
type ClickHouseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addresses       []string      `yaml:"addresses"`
	Database        string        `yaml:"database"`
	Table           string        `yaml:"table"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	Compression     string        `yaml:"compression"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	TLSSkipVerify   bool          `yaml:"tls_skip_verify"`
}

// OTLPConfig contains OTLP metrics receiver settings
type OTLPConfig struct {
	GRPCPort         int `yaml:"grpc_port"`
	MaxRecvMsgSizeMB int `yaml:"max_recv_msg_size_mb"`
}

// MonitoringConfig contains monitoring and observability settings
type MonitoringConfig struct {
	MetricsPort     int     `yaml:"metrics_port"`
	MetricsPath     string  `yaml:"metrics_path"`
	LogLevel        string  `yaml:"log_level"`
	LogFormat       string  `yaml:"log_format"`
	HealthCheckPath string  `yaml:"health_check_path"`
	ReadyCheckPath  string  `yaml:"ready_check_path"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
}

// PerformanceConfig contains worker and retry tuning
type PerformanceConfig struct {
	BatchSize             int           `yaml:"batch_size"`
	BatchTimeout          time.Duration `yaml:"batch_timeout"`
	WorkerCount           int           `yaml:"worker_count"`
	QueueSize             int           `yaml:"queue_size"`
	ConflictRetryAttempts int           `yaml:"conflict_retry_attempts"`
	StoreTimeout          time.Duration `yaml:"store_timeout"`
	RetryMaxAttempts      int           `yaml:"retry_max_attempts"`
	RetryInitialInterval  time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval      time.Duration `yaml:"retry_max_interval"`
}

// LoadConfig loads configuration from a YAML file. Missing keys keep their
// DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadFromEnv loads the file named by CONFIG_PATH, or starts from defaults
// plus environment overrides when the variable is unset.
func LoadFromEnv() (*Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return LoadConfig(path)
	}
	config := DefaultConfig()
	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path cannot be empty")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("postgres dsn cannot be empty")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.ClickHouse.Enabled {
		if len(c.ClickHouse.Addresses) == 0 {
			return fmt.Errorf("clickhouse addresses cannot be empty")
		}
		if c.ClickHouse.Database == "" {
			return fmt.Errorf("clickhouse database cannot be empty")
		}
	}
	if c.Performance.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Performance.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Performance.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Performance.ConflictRetryAttempts <= 0 {
		return fmt.Errorf("conflict retry attempts must be positive")
	}
	if c.Performance.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	if c.Performance.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *Config) error {
	if val := os.Getenv("STORAGE_DRIVER"); val != "" {
		config.Storage.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("SQLITE_PATH"); val != "" {
		config.Storage.SQLitePath = val
	}
	if val := os.Getenv("POSTGRES_DSN"); val != "" {
		config.Storage.PostgresDSN = val
	}
	if val := os.Getenv("CLICKHOUSE_HOST"); val != "" {
		config.ClickHouse.Addresses = []string{val}
	}
	if val := os.Getenv("CLICKHOUSE_DATABASE"); val != "" {
		config.ClickHouse.Database = val
	}
	if val := os.Getenv("CLICKHOUSE_USERNAME"); val != "" {
		config.ClickHouse.Username = val
	}
	if val := os.Getenv("CLICKHOUSE_PASSWORD"); val != "" {
		config.ClickHouse.Password = val
	}
	if val := os.Getenv("CLICKHOUSE_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("CLICKHOUSE_ENABLED: %w", err)
		}
		config.ClickHouse.Enabled = enabled
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Monitoring.LogLevel = val
	}
	if val := os.Getenv("OTLP_GRPC_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("OTLP_GRPC_PORT: %w", err)
		}
		config.OTLP.GRPCPort = port
	}
	if val := os.Getenv("HTTP_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		config.Server.Port = port
	}
	return nil
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:          DriverSQLite,
			SQLitePath:      "data/metricsnap.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 1 * time.Hour,
		},
		ClickHouse: ClickHouseConfig{
			Enabled:         false,
			Addresses:       []string{"localhost:9000"},
			Database:        "metricsnap",
			Table:           "metric_snapshots",
			Username:        "default",
			Password:        "",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 1 * time.Hour,
			DialTimeout:     10 * time.Second,
			Compression:     "zstd",
		},
		OTLP: OTLPConfig{
			GRPCPort:         4317,
			MaxRecvMsgSizeMB: 4,
		},
		Monitoring: MonitoringConfig{
			MetricsPort:     9090,
			MetricsPath:     "/metrics",
			LogLevel:        "info",
			LogFormat:       "json",
			HealthCheckPath: "/health",
			ReadyCheckPath:  "/ready",
			TraceSampleRate: 0.1,
			OTLPEndpoint:    "localhost:4317",
		},
		Performance: PerformanceConfig{
			BatchSize:             500,
			BatchTimeout:          5 * time.Second,
			WorkerCount:           4,
			QueueSize:             10000,
			ConflictRetryAttempts: 3,
			StoreTimeout:          5 * time.Second,
			RetryMaxAttempts:      5,
			RetryInitialInterval:  1 * time.Second,
			RetryMaxInterval:      30 * time.Second,
		},
	}
}
