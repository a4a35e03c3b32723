package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/cardwise/internal/domain"
)

// loadConfig builds the configuration for CARDWISE_TIER and applies
// CARDWISE_* overrides on top of it.
func loadConfig(getenv func(string) string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	switch tier := getenv("CARDWISE_TIER"); tier {
	case "", string(domain.TierCommunity):
	case string(domain.TierPro):
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	e := envReader{getenv: getenv}

	e.str("CARDWISE_HOST", &cfg.Server.Host)
	e.integer("CARDWISE_PORT", &cfg.Server.Port)

	e.str("CARDWISE_DB_DRIVER", &cfg.Repository.Driver)
	e.str("CARDWISE_SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("CARDWISE_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.integer("CARDWISE_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.str("CARDWISE_POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.str("CARDWISE_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("CARDWISE_POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.str("CARDWISE_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	e.integer("CARDWISE_COMMIT_RETRIES", &cfg.Repository.CommitRetries)

	e.str("CARDWISE_CACHE", &cfg.Cache.Type)
	e.str("CARDWISE_REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("CARDWISE_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.integer("CARDWISE_REDIS_DB", &cfg.Cache.RedisDB)

	e.str("CARDWISE_EVENTBUS", &cfg.EventBus.Type)
	e.str("CARDWISE_NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("CARDWISE_NATS_TOKEN", &cfg.EventBus.NATSToken)

	e.integer("CARDWISE_MAX_WORKERS", &cfg.Engine.MaxWorkers)
	e.duration("CARDWISE_RULE_CACHE_TTL", &cfg.Engine.RuleCacheTTL)
	e.duration("CARDWISE_SUMMARY_CACHE_TTL", &cfg.Engine.SummaryCacheTTL)

	e.str("CARDWISE_JWT_SECRET", &cfg.Auth.JWTSecret)

	e.str("CARDWISE_LOG_LEVEL", &cfg.Logging.Level)
	e.str("CARDWISE_LOG_FORMAT", &cfg.Logging.Format)
	if getenv("CARDWISE_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	if e.err != nil {
		return nil, e.err
	}
	return cfg, nil
}

// envReader applies set variables and remembers the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}
