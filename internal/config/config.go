// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The backend table is the one structured option: BACKENDS holds a JSON array
// of backend specs. When unset, a default quartet of local endpoints (text,
// speech, voice, vision) is assumed, which matches a single-host vLLM-style
// deployment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/salilkadam/inference-router/internal/registry"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// SessionTTL is how long an untouched session binding stays alive.
	// Default: 30m.
	SessionTTL time.Duration

	// RequestDeadline bounds one /route request end to end, retries and
	// fallback included. Default: 30s.
	RequestDeadline time.Duration

	// ProbeInterval is the health prober period. Default: 10s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single health probe. Default: 2s.
	ProbeTimeout time.Duration

	// MaxRetries is the retry budget against the primary backend after the
	// first attempt. Default: 2.
	MaxRetries int

	// BackendConcurrencyCap limits in-flight requests per backend; requests
	// past the cap fail fast with Overloaded. Default: 64.
	BackendConcurrencyCap int64

	// SessionStoreURL is a redis:// URL for the durable session store.
	// Empty (the default) keeps sessions in-process only.
	SessionStoreURL string

	// SweepInterval is the period of the expired-session sweeper. Default: 1m.
	SweepInterval time.Duration

	// Backends is the backend table, parsed from the BACKENDS JSON array.
	Backends []registry.Spec

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// ClickHouseURL enables the request-log sink when non-empty.
	// Example: clickhouse://localhost:9000/router
	ClickHouseURL string
}

// defaultBackends is the single-host deployment assumed when BACKENDS is not
// set: four OpenAI-style endpoints behind one gateway host, with the text
// backend acting as fallback for everything that can degrade to plain text.
func defaultBackends() []registry.Spec {
	return []registry.Spec{
		{
			Key:              "text",
			BaseURL:          "http://localhost:8000/v1",
			ModelID:          "Qwen/Qwen2.5-7B-Instruct",
			TimeoutMs:        30_000,
			SupportedFormats: []string{"json", "sse"},
		},
		{
			Key:              "speech",
			BaseURL:          "http://localhost:8001/v1",
			ModelID:          "openai/whisper-large-v3",
			FallbackKey:      "text",
			TimeoutMs:        60_000,
			SupportedFormats: []string{"json"},
		},
		{
			Key:              "voice",
			BaseURL:          "http://localhost:8002/v1",
			ModelID:          "tts-1",
			FallbackKey:      "text",
			TimeoutMs:        60_000,
			SupportedFormats: []string{"json"},
		},
		{
			Key:              "vision",
			BaseURL:          "http://localhost:8003/v1",
			ModelID:          "Qwen/Qwen2.5-VL-7B-Instruct",
			FallbackKey:      "text",
			TimeoutMs:        60_000,
			SupportedFormats: []string{"json", "sse"},
		},
	}
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SESSION_TTL_SECONDS", 1800)
	v.SetDefault("REQUEST_DEADLINE_MS", 30_000)
	v.SetDefault("PROBE_INTERVAL_SECONDS", 10)
	v.SetDefault("PROBE_TIMEOUT_MS", 2000)
	v.SetDefault("MAX_RETRIES", 2)
	v.SetDefault("BACKEND_CONCURRENCY_CAP", 64)
	v.SetDefault("SWEEP_INTERVAL_SECONDS", 60)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		SessionTTL:      time.Duration(v.GetInt("SESSION_TTL_SECONDS")) * time.Second,
		RequestDeadline: time.Duration(v.GetInt("REQUEST_DEADLINE_MS")) * time.Millisecond,
		ProbeInterval:   time.Duration(v.GetInt("PROBE_INTERVAL_SECONDS")) * time.Second,
		ProbeTimeout:    time.Duration(v.GetInt("PROBE_TIMEOUT_MS")) * time.Millisecond,

		MaxRetries:            v.GetInt("MAX_RETRIES"),
		BackendConcurrencyCap: v.GetInt64("BACKEND_CONCURRENCY_CAP"),
		SessionStoreURL:       v.GetString("SESSION_STORE_URL"),
		SweepInterval:         time.Duration(v.GetInt("SWEEP_INTERVAL_SECONDS")) * time.Second,

		CORSOrigins:   v.GetStringSlice("CORS_ORIGINS"),
		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),
	}

	backends, err := parseBackends(v.GetString("BACKENDS"))
	if err != nil {
		return nil, err
	}
	cfg.Backends = backends

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseBackends decodes the BACKENDS JSON array, falling back to the default
// quartet when unset.
func parseBackends(raw string) ([]registry.Spec, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultBackends(), nil
	}

	var specs []registry.Spec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("config: BACKENDS is not a valid JSON array: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("config: BACKENDS must list at least one backend")
	}
	return specs, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: SESSION_TTL_SECONDS must be positive")
	}
	if c.RequestDeadline <= 0 {
		return fmt.Errorf("config: REQUEST_DEADLINE_MS must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("config: PROBE_INTERVAL_SECONDS must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.MaxRetries)
	}
	if c.BackendConcurrencyCap < 1 {
		return fmt.Errorf("config: BACKEND_CONCURRENCY_CAP must be ≥ 1, got %d", c.BackendConcurrencyCap)
	}
	if c.SessionStoreURL != "" &&
		!strings.HasPrefix(c.SessionStoreURL, "redis://") &&
		!strings.HasPrefix(c.SessionStoreURL, "rediss://") {
		return fmt.Errorf("config: SESSION_STORE_URL must be a redis:// or rediss:// URL")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
