// Package config provides configuration management for cnapi.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for cnapi.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Waitlist  WaitlistConfig  `mapstructure:"waitlist"`
	Inventory InventoryConfig `mapstructure:"inventory"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	RateLimit    int    `mapstructure:"rateLimit"`    // requests per second, 0 disables
}

// StoreConfig selects and tunes the object store backend.
type StoreConfig struct {
	// Backend is one of: memory, bolt, sqlite, postgres.
	Backend string `mapstructure:"backend"`
	// Path is the database file for the bolt and sqlite backends.
	Path string `mapstructure:"path"`
	// QueryLimit caps the number of rows a single find may return.
	QueryLimit int `mapstructure:"queryLimit"`
}

// DatabaseConfig holds PostgreSQL connection configuration, used when
// store.backend is postgres.
type DatabaseConfig struct {
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
type NATSConfig struct {
	// URL of the NATS server. Empty means use the in-memory event bus.
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TasksConfig tunes the in-memory task registry.
type TasksConfig struct {
	Retention          int `mapstructure:"retention"`          // seconds a terminal task stays visible
	AdminTimeout       int `mapstructure:"adminTimeout"`       // seconds before a silent active task is failed
	DefaultWaitTimeout int `mapstructure:"defaultWaitTimeout"` // seconds, used when a wait has no timeout param
	DispatchTimeout    int `mapstructure:"dispatchTimeout"`    // seconds to wait for an agent to accept
	SweepInterval      int `mapstructure:"sweepInterval"`      // seconds between registry sweeps
}

// WaitlistConfig tunes the waitlist scheduler.
type WaitlistConfig struct {
	RetentionWindow    int `mapstructure:"retentionWindow"`    // seconds a terminal ticket is kept
	MaxLimit           int `mapstructure:"maxLimit"`           // upper bound for the list limit parameter
	DefaultWaitTimeout int `mapstructure:"defaultWaitTimeout"` // seconds, used when a wait has no timeout param
	EtagRetries        int `mapstructure:"etagRetries"`        // attempts before a conflicting write gives up
	SweepInterval      int `mapstructure:"sweepInterval"`      // seconds between retention sweeps
}

// InventoryConfig tunes the server inventory.
type InventoryConfig struct {
	HeartbeatGrace  int `mapstructure:"heartbeatGrace"`  // seconds without a heartbeat before a server is unknown
	MonitorInterval int `mapstructure:"monitorInterval"` // seconds between heartbeat checks
}

// AgentsConfig controls the in-process simulated agents.
type AgentsConfig struct {
	SimEnabled bool     `mapstructure:"simEnabled"`
	SimServers []string `mapstructure:"simServers"` // hostnames registered at startup
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RetentionDuration returns the task retention as a time.Duration.
func (t *TasksConfig) RetentionDuration() time.Duration {
	return time.Duration(t.Retention) * time.Second
}

// AdminTimeoutDuration returns the administrative timeout as a time.Duration.
func (t *TasksConfig) AdminTimeoutDuration() time.Duration {
	return time.Duration(t.AdminTimeout) * time.Second
}

// DefaultWaitTimeoutDuration returns the default wait timeout as a time.Duration.
func (t *TasksConfig) DefaultWaitTimeoutDuration() time.Duration {
	return time.Duration(t.DefaultWaitTimeout) * time.Second
}

// DispatchTimeoutDuration returns the dispatch timeout as a time.Duration.
func (t *TasksConfig) DispatchTimeoutDuration() time.Duration {
	return time.Duration(t.DispatchTimeout) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (t *TasksConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(t.SweepInterval) * time.Second
}

// RetentionWindowDuration returns the ticket retention window as a time.Duration.
func (w *WaitlistConfig) RetentionWindowDuration() time.Duration {
	return time.Duration(w.RetentionWindow) * time.Second
}

// DefaultWaitTimeoutDuration returns the default wait timeout as a time.Duration.
func (w *WaitlistConfig) DefaultWaitTimeoutDuration() time.Duration {
	return time.Duration(w.DefaultWaitTimeout) * time.Second
}

// SweepIntervalDuration returns the retention sweep interval as a time.Duration.
func (w *WaitlistConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(w.SweepInterval) * time.Second
}

// HeartbeatGraceDuration returns the heartbeat grace period as a time.Duration.
func (i *InventoryConfig) HeartbeatGraceDuration() time.Duration {
	return time.Duration(i.HeartbeatGrace) * time.Second
}

// MonitorIntervalDuration returns the monitor interval as a time.Duration.
func (i *InventoryConfig) MonitorIntervalDuration() time.Duration {
	return time.Duration(i.MonitorInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CNAPI_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 90)
	v.SetDefault("server.rateLimit", 0)

	// Store defaults
	v.SetDefault("store.backend", "bolt")
	v.SetDefault("store.path", "cnapi.db")
	v.SetDefault("store.queryLimit", 1000)

	// Database defaults, only used when store.backend is postgres
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "cnapi")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "cnapi")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cnapi")
	v.SetDefault("nats.maxReconnects", 10)

	// Task registry defaults
	v.SetDefault("tasks.retention", 3600)
	v.SetDefault("tasks.adminTimeout", 3600)
	v.SetDefault("tasks.defaultWaitTimeout", 60)
	v.SetDefault("tasks.dispatchTimeout", 10)
	v.SetDefault("tasks.sweepInterval", 30)

	// Waitlist defaults
	v.SetDefault("waitlist.retentionWindow", 3600)
	v.SetDefault("waitlist.maxLimit", 1000)
	v.SetDefault("waitlist.defaultWaitTimeout", 60)
	v.SetDefault("waitlist.etagRetries", 3)
	v.SetDefault("waitlist.sweepInterval", 60)

	// Inventory defaults
	v.SetDefault("inventory.heartbeatGrace", 90)
	v.SetDefault("inventory.monitorInterval", 30)

	// Simulated agent defaults
	v.SetDefault("agents.simEnabled", false)
	v.SetDefault("agents.simServers", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CNAPI_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/cnapi/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CNAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("store.queryLimit", "CNAPI_STORE_QUERY_LIMIT")
	_ = v.BindEnv("tasks.adminTimeout", "CNAPI_TASKS_ADMIN_TIMEOUT")
	_ = v.BindEnv("waitlist.retentionWindow", "CNAPI_WAITLIST_RETENTION_WINDOW")
	_ = v.BindEnv("waitlist.maxLimit", "CNAPI_WAITLIST_MAX_LIMIT")
	_ = v.BindEnv("waitlist.etagRetries", "CNAPI_WAITLIST_ETAG_RETRIES")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cnapi/")

	// Read config file (ignore if not found)
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

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Store validation
	switch cfg.Store.Backend {
	case "memory":
	case "bolt", "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, fmt.Sprintf("store.path is required for the %s backend", cfg.Store.Backend))
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres backend")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres backend")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres backend")
		}
	default:
		errs = append(errs, "store.backend must be one of: memory, bolt, sqlite, postgres")
	}
	if cfg.Store.QueryLimit < 1 {
		errs = append(errs, "store.queryLimit must be positive")
	}

	// Task registry validation
	if cfg.Tasks.Retention <= 0 {
		errs = append(errs, "tasks.retention must be positive")
	}
	if cfg.Tasks.AdminTimeout <= 0 {
		errs = append(errs, "tasks.adminTimeout must be positive")
	}
	if cfg.Tasks.DefaultWaitTimeout <= 0 {
		errs = append(errs, "tasks.defaultWaitTimeout must be positive")
	}
	if cfg.Tasks.DispatchTimeout <= 0 {
		errs = append(errs, "tasks.dispatchTimeout must be positive")
	}

	// Waitlist validation
	if cfg.Waitlist.RetentionWindow <= 0 {
		errs = append(errs, "waitlist.retentionWindow must be positive")
	}
	if cfg.Waitlist.MaxLimit < 1 {
		errs = append(errs, "waitlist.maxLimit must be positive")
	}
	if cfg.Waitlist.EtagRetries < 1 {
		errs = append(errs, "waitlist.etagRetries must be positive")
	}
	if cfg.Waitlist.SweepInterval < 1 {
		errs = append(errs, "waitlist.sweepInterval must be positive")
	}

	// Logging validation
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
