// Package config provides configuration loading and validation for the paper trading service.
// It uses Viper to load YAML configuration files with support for environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for the paper trading service.
// Required sections: App, Database.
// Optional sections (nil if not specified): Notification, Metrics, Server.
type Config struct {
	// App contains application-level settings like name and environment.
	App AppConfig `mapstructure:"app"`
	// Database configures the relational system of record.
	Database DatabaseConfig `mapstructure:"database"`
	// Feed configures the vendor market data feed.
	Feed FeedConfig `mapstructure:"feed"`
	// Execution configures order execution.
	Execution ExecutionConfig `mapstructure:"execution"`
	// Risk configures the position risk monitor.
	Risk RiskConfig `mapstructure:"risk"`
	// Notification configures operator alert channels like Telegram (optional).
	Notification *NotificationConfig `mapstructure:"notification"`
	// Metrics configures Prometheus metrics endpoint (optional).
	Metrics *MetricsConfig `mapstructure:"metrics"`
	// Server configures the HTTP server (optional).
	Server *ServerConfig `mapstructure:"server"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	// Name is the application name used in logs and metrics.
	Name string `mapstructure:"name"`
	// Env is the environment: "development", "staging", or "production".
	Env string `mapstructure:"env"`
	// LogLevel sets logging verbosity: "debug", "info", "warn", "error".
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig contains relational store settings.
type DatabaseConfig struct {
	// Driver selects the gorm dialect: "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`
	// DSN is a full connection string. It takes precedence over the discrete fields.
	DSN string `mapstructure:"dsn"`
	// Host is the postgres host.
	Host string `mapstructure:"host"`
	// Port is the postgres port.
	Port int `mapstructure:"port"`
	// User is the postgres user.
	User string `mapstructure:"user"`
	// Password is the postgres password.
	Password string `mapstructure:"password"`
	// Name is the database name, or the file path for sqlite.
	Name string `mapstructure:"name"`
	// SSLMode is the postgres sslmode parameter.
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxOpenConns caps the connection pool size.
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

// FeedConfig contains vendor feed settings. Credentials are read from the environment.
type FeedConfig struct {
	// Enabled determines if the feed is connected on startup.
	Enabled bool `mapstructure:"enabled"`
	// RestURL is the base URL of the vendor REST API.
	RestURL string `mapstructure:"rest_url"`
	// WebSocketURL is the vendor streaming endpoint.
	WebSocketURL string `mapstructure:"ws_url"`
	// PingInterval is the interval between ping messages to keep connection alive.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// ReconnectDelay is the fixed delay before reconnecting after disconnection.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	// AuthTimeout bounds the wait for the authentication acknowledgment.
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExecutionConfig contains order execution settings.
type ExecutionConfig struct {
	// PriceWait is how long a MARKET order waits for a first tick when no price is cached.
	PriceWait time.Duration `mapstructure:"price_wait"`
}

// RiskConfig contains position risk monitor settings.
type RiskConfig struct {
	// Enabled determines if the monitor is started.
	Enabled bool `mapstructure:"enabled"`
	// SweepInterval is the period of the target/stop-loss sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// ResyncInterval is the period of the full mirror reload.
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	// ExpiryInterval is the period of the contract expiry sweep.
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
	// Redis configures the shared open-position mirror.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	// Enabled determines if Redis should hold the position mirror.
	Enabled bool `mapstructure:"enabled"`
	// Addr is the Redis server address (e.g., "localhost:6379").
	Addr string `mapstructure:"addr"`
	// DB is the Redis database number (0-15).
	DB int `mapstructure:"db"`
	// PoolSize is the maximum number of connections in the pool.
	PoolSize int `mapstructure:"pool_size"`
	// Key is the hash key holding the mirrored positions.
	Key string `mapstructure:"key"`
}

// NotificationConfig contains notification settings.
type NotificationConfig struct {
	// Telegram configures Telegram bot notifications.
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig contains Telegram notification settings. The bot token is read from TELEGRAM_BOT_TOKEN.
type TelegramConfig struct {
	// Enabled determines if Telegram notifications are active.
	Enabled bool `mapstructure:"enabled"`
	// ChatID is the operator chat receiving alerts.
	ChatID int64 `mapstructure:"chat_id"`
	// NotifySquareOffs sends alerts when positions are auto-closed.
	NotifySquareOffs bool `mapstructure:"notify_square_offs"`
	// NotifyErrors sends alerts when background closes fail.
	NotifyErrors bool `mapstructure:"notify_errors"`
}

// MetricsConfig contains metrics settings.
type MetricsConfig struct {
	// Prometheus configures Prometheus metrics endpoint.
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig contains Prometheus metrics settings.
type PrometheusConfig struct {
	// Enabled determines if Prometheus metrics endpoint is active.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics (e.g., "/metrics").
	Path string `mapstructure:"path"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// HTTP configures the HTTP server.
	HTTP HTTPConfig `mapstructure:"http"`
}

// HTTPConfig contains HTTP server settings.
type HTTPConfig struct {
	// Port is the port to listen on.
	Port int `mapstructure:"port"`
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// setDefaults registers values used when the file and environment are silent.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.name", "papertrader.db")
	v.SetDefault("feed.ping_interval", 20*time.Second)
	v.SetDefault("feed.reconnect_delay", 5*time.Second)
	v.SetDefault("feed.auth_timeout", 15*time.Second)
	v.SetDefault("feed.request_timeout", 10*time.Second)
	v.SetDefault("execution.price_wait", 8*time.Second)
	v.SetDefault("risk.enabled", true)
	v.SetDefault("risk.sweep_interval", 2*time.Second)
	v.SetDefault("risk.resync_interval", 5*time.Minute)
	v.SetDefault("risk.expiry_interval", time.Hour)
	v.SetDefault("risk.redis.key", "open_positions")
}

// Load reads configuration from a YAML file at the given path.
// It also supports environment variable overrides with the PAPERTRADER_ prefix.
// Returns an error if the file cannot be read, parsed, or fails validation.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("PAPERTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is valid.
// Returns an error if required fields are missing or have invalid values.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}

	if c.Feed.Enabled && (c.Feed.RestURL == "" || c.Feed.WebSocketURL == "") {
		return fmt.Errorf("feed.rest_url and feed.ws_url are required when the feed is enabled")
	}

	if c.Feed.ReconnectDelay <= 0 || c.Feed.AuthTimeout <= 0 {
		return fmt.Errorf("feed.reconnect_delay and feed.auth_timeout must be positive")
	}

	if c.Execution.PriceWait <= 0 {
		return fmt.Errorf("execution.price_wait must be positive")
	}

	if c.Risk.SweepInterval <= 0 || c.Risk.ResyncInterval <= 0 || c.Risk.ExpiryInterval <= 0 {
		return fmt.Errorf("risk intervals must be positive")
	}

	if c.Risk.Redis.Enabled && c.Risk.Redis.Addr == "" {
		return fmt.Errorf("risk.redis.addr is required when redis is enabled")
	}

	if c.Notification != nil && c.Notification.Telegram.Enabled && c.Notification.Telegram.ChatID == 0 {
		return fmt.Errorf("notification.telegram.chat_id is required when telegram is enabled")
	}

	return nil
}

// IsDevelopment returns true if the environment is "development".
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the environment is "production".
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// MetricsPath returns the configured metrics path, or "" when metrics are disabled.
func (c *Config) MetricsPath() string {
	if c.Metrics == nil || !c.Metrics.Prometheus.Enabled {
		return ""
	}
	if c.Metrics.Prometheus.Path == "" {
		return "/metrics"
	}
	return c.Metrics.Prometheus.Path
}
