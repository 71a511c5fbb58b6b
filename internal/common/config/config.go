// Package config provides configuration management for vkrun.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for vkrun.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds control-plane HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds state-store connection configuration.
// Driver selects between the embedded SQLite store and PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RunnerConfig holds runner identity and managed-root configuration.
type RunnerConfig struct {
	// ManagedRootOverride replaces the default managed root location. The
	// actual managed directory is a well-known subdirectory of the override,
	// never the override itself.
	ManagedRootOverride string `mapstructure:"managedRootOverride"`

	// DeviceID is the enrolled device identity for this runner.
	DeviceID string `mapstructure:"deviceId"`

	// ControlPlaneURL is the base URL of the control-plane service.
	ControlPlaneURL string `mapstructure:"controlPlaneUrl"`

	// NonceCacheSize bounds the LRU of recently seen intent nonces.
	NonceCacheSize int `mapstructure:"nonceCacheSize"`
}

// LeaseConfig holds execution lease timing.
type LeaseConfig struct {
	TTL       int `mapstructure:"ttl"`       // in seconds
	Heartbeat int `mapstructure:"heartbeat"` // in seconds, should be <= TTL/3
}

// SupervisorConfig holds process supervision settings.
type SupervisorConfig struct {
	GracefulStopTimeout int `mapstructure:"gracefulStopTimeout"` // in seconds
	LogRingBytes        int `mapstructure:"logRingBytes"`
}

// ApprovalConfig holds approval broker settings.
type ApprovalConfig struct {
	ReapInterval int `mapstructure:"reapInterval"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OTLP tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TTLDuration returns the lease TTL as a time.Duration.
func (l *LeaseConfig) TTLDuration() time.Duration {
	return time.Duration(l.TTL) * time.Second
}

// HeartbeatDuration returns the heartbeat interval as a time.Duration.
func (l *LeaseConfig) HeartbeatDuration() time.Duration {
	return time.Duration(l.Heartbeat) * time.Second
}

// GracefulStopDuration returns the graceful stop timeout as a time.Duration.
func (s *SupervisorConfig) GracefulStopDuration() time.Duration {
	return time.Duration(s.GracefulStopTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("VKRUN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - embedded SQLite unless postgres is selected
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.vkrun/state.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "vkrun")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "vkrun")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "vkrun")
	v.SetDefault("nats.maxReconnects", 10)

	// Runner defaults
	v.SetDefault("runner.managedRootOverride", "")
	v.SetDefault("runner.deviceId", "")
	v.SetDefault("runner.controlPlaneUrl", "http://localhost:8080")
	v.SetDefault("runner.nonceCacheSize", 1024)

	// Lease defaults: 30s TTL with heartbeats at TTL/3
	v.SetDefault("lease.ttl", 30)
	v.SetDefault("lease.heartbeat", 10)

	// Supervisor defaults
	v.SetDefault("supervisor.gracefulStopTimeout", 10)
	v.SetDefault("supervisor.logRingBytes", 256*1024)

	// Approval defaults
	v.SetDefault("approval.reapInterval", 15)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VKRUN with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/vkrun/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("VKRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("runner.deviceId", "VKRUN_RUNNER_DEVICE_ID")
	_ = v.BindEnv("runner.controlPlaneUrl", "VKRUN_RUNNER_CONTROL_PLANE_URL")
	_ = v.BindEnv("runner.managedRootOverride", "VKRUN_RUNNER_MANAGED_ROOT_OVERRIDE")
	_ = v.BindEnv("database.dbName", "VKRUN_DATABASE_DB_NAME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vkrun/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Lease.TTL <= 0 {
		errs = append(errs, "lease.ttl must be positive")
	}
	if cfg.Lease.Heartbeat <= 0 || cfg.Lease.Heartbeat > cfg.Lease.TTL/3 {
		errs = append(errs, "lease.heartbeat must be positive and at most lease.ttl/3")
	}

	if cfg.Supervisor.GracefulStopTimeout <= 0 {
		errs = append(errs, "supervisor.gracefulStopTimeout must be positive")
	}
	if cfg.Supervisor.LogRingBytes <= 0 {
		errs = append(errs, "supervisor.logRingBytes must be positive")
	}

	if cfg.Runner.NonceCacheSize <= 0 {
		errs = append(errs, "runner.nonceCacheSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
