// Package config loads and validates the orchestrator configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the ORC_ prefix (e.g., ORC_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a
// config.yaml in local development and with pure environment variables in
// containerized deployments.
//
// ENCRYPTION_KEY and JWT_SECRET have no ORC_ prefix because they are typically
// injected by infrastructure tooling (Kubernetes secrets, Vault agent) that
// treats them as generic secret names and does not know the application prefix.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Docker      DockerConfig    `mapstructure:"docker"`
	Licensing   LicensingConfig `mapstructure:"licensing"`
	Modules     ModulesConfig   `mapstructure:"modules"`
	Audit       AuditConfig     `mapstructure:"audit"`
	Security    SecurityConfig  `mapstructure:"security"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Environment string          `mapstructure:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the connection settings for the proxy route store and
// the rate limiter. The reverse proxy watches the same keyspace for its
// dynamic routing configuration, so this instance must be shared with the
// edge tier.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DockerConfig holds container engine settings
type DockerConfig struct {
	// Host is the engine endpoint; empty means the SDK's standard
	// DOCKER_HOST / unix socket resolution.
	Host string `mapstructure:"host"`
	// AllowedRegistries is the image registry allow-list. An empty list
	// disables the restriction.
	AllowedRegistries []string `mapstructure:"allowed_registries"`
	// OperationTimeout bounds each individual engine call (pull, create,
	// start, inspect). Pulls of large images dominate, hence the generous
	// default.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// StopTimeout is how long a container gets to exit cleanly before SIGKILL.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// LicensingConfig holds license validation settings
type LicensingConfig struct {
	// Mode selects the validation strategy: "format", "offline", or "online".
	Mode string `mapstructure:"mode"`
	// ServerURL is the license authority endpoint (online mode only).
	ServerURL string `mapstructure:"server_url"`
	// Timeout bounds a single request to the license authority.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries caps the exponential-backoff retry loop in online mode.
	MaxRetries int `mapstructure:"max_retries"`
}

// ModulesConfig holds orchestration limits and the health polling cadence
type ModulesConfig struct {
	MaxTotal       int           `mapstructure:"max_total"`
	MaxPerUser     int           `mapstructure:"max_per_user"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// AuditConfig holds audit trail retention settings
type AuditConfig struct {
	// RetentionDays is how long audit records remain queryable before expiry.
	RetentionDays int `mapstructure:"retention_days"`
	// PurgeInterval is how often the retention job deletes expired records.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds pprof configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; every key here is a non-empty hardcoded string, so any error is a
// programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",
		"server.tls.enabled",
		"server.tls.cert_file",
		"server.tls.key_file",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Docker
		"docker.host",
		"docker.allowed_registries",
		"docker.operation_timeout",
		"docker.stop_timeout",

		// Licensing
		"licensing.mode",
		"licensing.server_url",
		"licensing.timeout",
		"licensing.max_retries",

		// Modules
		"modules.max_total",
		"modules.max_per_user",
		"modules.health_interval",

		// Audit
		"audit.retention_days",
		"audit.purge_interval",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",

		// Environment
		"environment",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/module-orchestrator")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("ORC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.base_url", "http://localhost:8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "module_orchestrator")
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Docker defaults
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.allowed_registries", []string{})
	v.SetDefault("docker.operation_timeout", "2m")
	v.SetDefault("docker.stop_timeout", "10s")

	// Licensing defaults
	v.SetDefault("licensing.mode", "offline")
	v.SetDefault("licensing.timeout", "5s")
	v.SetDefault("licensing.max_retries", 3)

	// Module limit defaults
	v.SetDefault("modules.max_total", 50)
	v.SetDefault("modules.max_per_user", 10)
	v.SetDefault("modules.health_interval", "30s")

	// Audit defaults
	v.SetDefault("audit.retention_days", 90)
	v.SetDefault("audit.purge_interval", "1h")

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)

	// Environment default — relaxed security profiles require an explicit
	// opt-in to development, so production behavior is the fallback.
	v.SetDefault("environment", "production")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	validModes := map[string]bool{"format": true, "offline": true, "online": true}
	if !validModes[c.Licensing.Mode] {
		return fmt.Errorf("invalid licensing mode: %s (must be format, offline, or online)", c.Licensing.Mode)
	}
	if c.Licensing.Mode == "online" && c.Licensing.ServerURL == "" {
		return fmt.Errorf("licensing.server_url is required when licensing mode is online")
	}

	if c.Modules.MaxTotal < 1 {
		return fmt.Errorf("modules.max_total must be at least 1")
	}
	if c.Modules.MaxPerUser < 1 {
		return fmt.Errorf("modules.max_per_user must be at least 1")
	}
	if c.Modules.MaxPerUser > c.Modules.MaxTotal {
		return fmt.Errorf("modules.max_per_user (%d) cannot exceed modules.max_total (%d)",
			c.Modules.MaxPerUser, c.Modules.MaxTotal)
	}

	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit.retention_days must be at least 1")
	}

	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("invalid environment: %s (must be development or production)", c.Environment)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
