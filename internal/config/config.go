// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Dispatcher ───────────────────────────────────────────────────────────────
	// PollInterval is the fallback poll cadence; it guarantees liveness even if
	// the LISTEN/NOTIFY wake-up is unavailable or a notification is dropped.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	// ReapInterval is how often stale processing rows are swept back to the queue.
	ReapInterval time.Duration `env:"REAP_INTERVAL" envDefault:"2m"`
	// StaleTimeout must exceed EngineRequestTimeout, otherwise the reaper would
	// reclaim jobs whose research call is still legitimately in flight.
	StaleTimeout time.Duration `env:"STALE_TIMEOUT" envDefault:"45m"`
	MaxRetries   int           `env:"MAX_RETRIES"   envDefault:"3"`

	// ── Compute engine ───────────────────────────────────────────────────────────
	EngineURL             string        `env:"ENGINE_URL,required"`
	EngineSecret          string        `env:"ENGINE_SECRET"`
	EngineRequestTimeout  time.Duration `env:"ENGINE_REQUEST_TIMEOUT"  envDefault:"30m"`
	EngineStartupAttempts int           `env:"ENGINE_STARTUP_ATTEMPTS" envDefault:"30"`

	// ── Collaborator event fan-out ───────────────────────────────────────────────
	// EventWebhookURL receives a signed JSON event on every live-displayed job
	// transition. Empty disables the fan-out.
	EventWebhookURL    string `env:"EVENT_WEBHOOK_URL"`
	EventWebhookSecret string `env:"EVENT_WEBHOOK_SECRET"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	SubmitRatePerMinute int           `env:"SUBMIT_RATE_PER_MINUTE" envDefault:"10"`
	RateLimitEvictTTL   time.Duration `env:"RATE_LIMIT_EVICT_TTL"   envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a cross-field
// constraint is violated.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.StaleTimeout <= cfg.EngineRequestTimeout {
		return nil, fmt.Errorf(
			"STALE_TIMEOUT (%s) must exceed ENGINE_REQUEST_TIMEOUT (%s)",
			cfg.StaleTimeout, cfg.EngineRequestTimeout,
		)
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("MAX_RETRIES must be at least 1, got %d", cfg.MaxRetries)
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
