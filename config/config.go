package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	// UpstreamURL is the base URL of the match-analysis backend.
	UpstreamURL string `env:"UPSTREAM_URL" envDefault:"http://localhost:3000"`
	// UpstreamLocale is sent as the locale parameter on list fetches.
	UpstreamLocale string `env:"UPSTREAM_LOCALE" envDefault:"en"`
	// ListTimeout bounds a single list fetch.
	ListTimeout time.Duration `env:"LIST_TIMEOUT" envDefault:"20s"`
	// DetailTimeout bounds a single detail fetch. Shorter than ListTimeout:
	// the upstream answers 202 quickly when the analysis is still queued.
	DetailTimeout time.Duration `env:"DETAIL_TIMEOUT" envDefault:"8s"`
	// TriggerTimeout bounds forwarding a reanalysis request upstream.
	TriggerTimeout time.Duration `env:"TRIGGER_TIMEOUT" envDefault:"10s"`
	// ListCacheTTL is how long a fetched list is served without refetching.
	// Set to 0 to never treat a list as stale.
	ListCacheTTL time.Duration `env:"LIST_CACHE_TTL" envDefault:"3h"`
	// DetailCacheTTL is how long a persisted detail is reused instead of
	// hitting the upstream again. Set to 0 to never treat it as stale.
	DetailCacheTTL time.Duration `env:"DETAIL_CACHE_TTL" envDefault:"3h"`
	// ReanalysisMinInterval is the minimum time between two forced
	// recomputations of the same match.
	ReanalysisMinInterval time.Duration `env:"REANALYSIS_MIN_INTERVAL" envDefault:"15m"`
	// RateLimitMaxEntries caps the number of matches tracked by the
	// reanalysis limiter, evicting the least recently used. 0 means unbounded.
	RateLimitMaxEntries uint64 `env:"RATE_LIMIT_MAX_ENTRIES" envDefault:"0"`
	// ListRefreshInterval is how often every view is reloaded in the
	// background. 0 disables background refresh.
	ListRefreshInterval time.Duration `env:"LIST_REFRESH_INTERVAL" envDefault:"10m"`
	// HealthCheckInterval is how often the upstream is pinged.
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	// StoreDriver selects the persistence backend: none, memory, sqlite,
	// postgres or redis.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	// StoreDSN is the driver-specific connection string (file path for
	// sqlite, connection URL for postgres and redis).
	StoreDSN string `env:"STORE_DSN"`
	// AdminKeyHash is a bcrypt hash of the key required on reanalysis
	// requests (X-Admin-Key header). Empty disables the check.
	AdminKeyHash string `env:"ADMIN_KEY_HASH"`
	// CORSOrigins is the comma-separated set of front-end origins allowed to
	// call the API. Empty allows all origins.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	// ShutdownTimeout is the maximum duration to wait for in-flight requests
	// to complete during graceful shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses configuration from environment variables.
// Returns an error if a value cannot be parsed into the expected type or the
// upstream URL is not absolute.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("config: UPSTREAM_URL %q is not an absolute URL", cfg.UpstreamURL)
	}
	return cfg, nil
}
