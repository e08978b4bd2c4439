package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Log        LogConfig        `mapstructure:"log"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Health     HealthConfig     `mapstructure:"health"`
	Product    ProductConfig    `mapstructure:"product"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CatalogConfig points at the directory of stack manifests and product
// definitions.
type CatalogConfig struct {
	Dir string `mapstructure:"dir"`
}

// EngineConfig holds plan execution timings.
type EngineConfig struct {
	InitPollInterval time.Duration `mapstructure:"init_poll_interval"`
	InitTimeout      time.Duration `mapstructure:"init_timeout"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
}

// ReconcilerConfig holds product reconciler configuration.
type ReconcilerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	InterruptAfter time.Duration `mapstructure:"interrupt_after"`
}

// HealthConfig holds container health monitor configuration.
type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	RestartThreshold int           `mapstructure:"restart_threshold"`
}

// ProductConfig holds product orchestration configuration.
type ProductConfig struct {
	// ContinueOnError keeps deploying later stacks after one fails.
	ContinueOnError bool `mapstructure:"continue_on_error"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/stacker.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("catalog.dir", "./catalog")

	v.SetDefault("engine.init_poll_interval", "500ms")
	v.SetDefault("engine.init_timeout", "5m")
	v.SetDefault("engine.stop_timeout", "10s")

	v.SetDefault("reconciler.interval", "60s")
	v.SetDefault("reconciler.interrupt_after", "30m")
	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.restart_threshold", 5)
	v.SetDefault("product.continue_on_error", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; a malformed one does not.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("STACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
