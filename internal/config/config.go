// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.

	// Store settings.
	Store       string // "sqlite" or "postgres"
	DatabaseURL string // Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY; optional.
	SQLitePath  string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Monitoring settings.
	Completion       string // "interval" or "first-event"
	Autostart        bool
	FallbackInterval time.Duration // Tick interval while no watch config exists.
	ScanMaxBytes     int64
	EventBufferSize  int
	WatchDebounce    time.Duration // Per-path quiet window for push events; 0 disables coalescing.

	// Seed watch config, written only when none exists.
	SeedDirectory   string
	SeedInterval    time.Duration
	SeedMagicString string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	port, err := envInt("DIRWATCHER_PORT", 3000)
	collect(err)
	readTimeout, err := envDuration("DIRWATCHER_READ_TIMEOUT", 30*time.Second)
	collect(err)
	writeTimeout, err := envDuration("DIRWATCHER_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	shutdownTimeout, err := envDuration("DIRWATCHER_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)
	maxBody, err := envInt("DIRWATCHER_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	otelInsecure, err := envBool("OTEL_INSECURE", false)
	collect(err)
	autostart, err := envBool("DIRWATCHER_AUTOSTART", true)
	collect(err)
	fallback, err := envDuration("DIRWATCHER_FALLBACK_INTERVAL", 60*time.Second)
	collect(err)
	scanMax, err := envInt("DIRWATCHER_SCAN_MAX_BYTES", 32<<20)
	collect(err)
	bufSize, err := envInt("DIRWATCHER_EVENT_BUFFER_SIZE", 256)
	collect(err)
	debounce, err := envDuration("DIRWATCHER_WATCH_DEBOUNCE", 100*time.Millisecond)
	collect(err)
	seedInterval, err := envDuration("DIRWATCHER_SEED_INTERVAL", 60*time.Second)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	cfg := Config{
		Port:                port,
		ReadTimeout:         readTimeout,
		WriteTimeout:        writeTimeout,
		ShutdownTimeout:     shutdownTimeout,
		MaxRequestBodyBytes: int64(maxBody),
		Store:               strings.ToLower(envStr("DIRWATCHER_STORE", StoreSQLite)),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NotifyURL:           envStr("DATABASE_NOTIFY_URL", ""),
		SQLitePath:          envStr("DIRWATCHER_SQLITE_PATH", "data/dirwatcher.db"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        otelInsecure,
		ServiceName:         envStr("OTEL_SERVICE_NAME", "dirwatcher"),
		Completion:          envStr("DIRWATCHER_COMPLETION", "interval"),
		Autostart:           autostart,
		FallbackInterval:    fallback,
		ScanMaxBytes:        int64(scanMax),
		EventBufferSize:     bufSize,
		WatchDebounce:       debounce,
		SeedDirectory:       envStr("DIRWATCHER_SEED_DIRECTORY", ""),
		SeedInterval:        seedInterval,
		SeedMagicString:     envStr("DIRWATCHER_SEED_MAGIC_STRING", ""),
		LogLevel:            envStr("DIRWATCHER_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: DIRWATCHER_SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: DIRWATCHER_STORE must be %q or %q, got %q", StoreSQLite, StorePostgres, c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: DIRWATCHER_PORT must be between 1 and 65535")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: DIRWATCHER_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.FallbackInterval < time.Second {
		return fmt.Errorf("config: DIRWATCHER_FALLBACK_INTERVAL must be at least 1s")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("config: DIRWATCHER_EVENT_BUFFER_SIZE must be positive")
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("config: DIRWATCHER_WATCH_DEBOUNCE must not be negative")
	}
	if c.ScanMaxBytes <= 0 {
		return fmt.Errorf("config: DIRWATCHER_SCAN_MAX_BYTES must be positive")
	}
	return nil
}

// HasSeed reports whether a seed watch config was supplied.
func (c Config) HasSeed() bool {
	return c.SeedDirectory != "" && c.SeedMagicString != ""
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
