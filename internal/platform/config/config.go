package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	pstrings "spendvault/pkg/platform/strings"
)

// Config is the full service configuration, parsed from the environment so
// main stays lean.
type Config struct {
	Addr string `env:"SPENDVAULT_ADDR" envDefault:":8080"`

	// APIToken guards the API endpoints with a static bearer token when set.
	// Empty leaves them open, which is only suitable behind a trusted proxy.
	APIToken string `env:"SPENDVAULT_API_TOKEN"`

	// PostgresDSN selects the durable ledger store. Empty means in-memory,
	// which is only safe for a single instance.
	PostgresDSN string `env:"POSTGRES_DSN"`

	// RedisURL selects the shared idempotency cache. Empty means in-process.
	RedisURL string `env:"REDIS_URL"`

	// KafkaBrokers enables the audit kafka sink when non-empty.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_AUDIT_TOPIC" envDefault:"spendvault.audit"`

	// SessionTTL is the idle time after which the sweeper expires an Open
	// session. SweepInterval is how often the sweep runs.
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"30m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	// CASRetries bounds the optimistic retry loop before an operation
	// surfaces contention to the caller.
	CASRetries int `env:"CAS_RETRIES" envDefault:"5"`

	// IdempotencyRetention is how long replayed requests return their
	// original response. Replays after the window behave as new requests.
	IdempotencyRetention time.Duration `env:"IDEMPOTENCY_RETENTION" envDefault:"24h"`

	// DefaultMerchant is used when open requests omit the merchant.
	DefaultMerchant string `env:"MERCHANT_ADDRESS"`

	// RailEndpoint is the external payment rail; RailTimeout bounds each
	// dispatch, resolving overruns to the pending outcome.
	RailEndpoint string        `env:"RAIL_ENDPOINT"`
	RailTimeout  time.Duration `env:"RAIL_TIMEOUT" envDefault:"10s"`

	// RiskWeiPerMinute is the advisory spend-rate ceiling reported by the
	// risk query, in wei per minute. Zero disables the flag.
	RiskWeiPerMinute string `env:"RISK_MAX_PER_MINUTE_WEI" envDefault:"0"`

	// RateWindowMax caps how far back the rate monitor keeps spend samples.
	RateWindowMax time.Duration `env:"RATE_WINDOW_MAX" envDefault:"1h"`
}

// FromEnv parses the configuration from environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.KafkaBrokers = pstrings.DedupeAndTrim(cfg.KafkaBrokers)
	return cfg, nil
}
