package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP    HTTPConfig
	Query   QueryConfig
	Schema  SchemaConfig
	Session SessionConfig
	Logging LoggingConfig
	// ConnectionsFile points at the presets file; empty means no presets.
	ConnectionsFile string
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	AllowedOriginsCSV string
}

// QueryConfig holds query execution defaults.
type QueryConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// SchemaConfig sizes the schema cache.
type SchemaConfig struct {
	CacheTTL  time.Duration
	CacheSize int
}

// SessionConfig controls idle connection eviction.
type SessionConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	CloseWorkers  int
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultReadTimeout     = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultLoggingLevel    = "info"
	defaultLoggingFormat   = "text"

	defaultQueryTimeout    = 30 * time.Second
	defaultMaxQueryTimeout = 5 * time.Minute
	defaultSchemaCacheTTL  = 5 * time.Minute
	defaultSchemaCacheSize = 256
	defaultSessionIdle     = 30 * time.Minute
	defaultSweepInterval   = time.Minute
	defaultCloseWorkers    = 4
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Host:              valueOrDefault("SERVER_HOST", defaultHost),
			AllowedOriginsCSV: os.Getenv("SERVER_ALLOWED_ORIGINS"),
		},
		Schema: SchemaConfig{
			CacheSize: parseIntWithDefault("SCHEMA_CACHE_SIZE", defaultSchemaCacheSize),
		},
		Session: SessionConfig{
			CloseWorkers: parseIntWithDefault("SESSION_CLOSE_WORKERS", defaultCloseWorkers),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		ConnectionsFile: os.Getenv("CONNECTIONS_FILE"),
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", defaultReadTimeout, &cfg.HTTP.ReadTimeout},
		// Writes must outlive the longest query.
		{"SERVER_WRITE_TIMEOUT", defaultMaxQueryTimeout + 15*time.Second, &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", defaultIdleTimeout, &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout, &cfg.HTTP.ShutdownTimeout},
		{"QUERY_DEFAULT_TIMEOUT", defaultQueryTimeout, &cfg.Query.DefaultTimeout},
		{"QUERY_MAX_TIMEOUT", defaultMaxQueryTimeout, &cfg.Query.MaxTimeout},
		{"SCHEMA_CACHE_TTL", defaultSchemaCacheTTL, &cfg.Schema.CacheTTL},
		{"SESSION_IDLE_TIMEOUT", defaultSessionIdle, &cfg.Session.IdleTimeout},
		{"SESSION_SWEEP_INTERVAL", defaultSweepInterval, &cfg.Session.SweepInterval},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Query.DefaultTimeout <= 0:
		return fmt.Errorf("QUERY_DEFAULT_TIMEOUT must be positive")
	case c.Query.MaxTimeout < c.Query.DefaultTimeout:
		return fmt.Errorf("QUERY_MAX_TIMEOUT %s is below QUERY_DEFAULT_TIMEOUT %s", c.Query.MaxTimeout, c.Query.DefaultTimeout)
	case c.Schema.CacheTTL <= 0:
		return fmt.Errorf("SCHEMA_CACHE_TTL must be positive")
	case c.Schema.CacheSize <= 0:
		return fmt.Errorf("SCHEMA_CACHE_SIZE must be positive")
	case c.Session.SweepInterval <= 0:
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
