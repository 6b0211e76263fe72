package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr         = ":8090"
	defaultMetricsAddr      = ":9093"
	defaultRedisURL         = "redis://localhost:6379"
	defaultSQLitePath       = "data/memory.db"
	defaultStoreBackend     = StoreMemory
	defaultBehaviorVersion  = "2026-01"
	defaultUpstreamTimeout  = 8000 * time.Millisecond
	defaultHealthTimeout    = 3000 * time.Millisecond
	defaultCapabilitiesPath = "config/capabilities.yaml"
	defaultRateLimitRPS     = 50
	defaultRateLimitBurst   = 100

	envHTTPAddr          = "KG_HTTP_ADDR"
	envMetricsAddr       = "KG_METRICS_ADDR"
	envStoreBackend      = "KG_STORE_BACKEND"
	envRedisURL          = "REDIS_URL"
	envSQLitePath        = "KG_SQLITE_PATH"
	envNATSURL           = "NATS_URL"
	envBehaviorVersion   = "SK_DEFAULT_BEHAVIOR_VERSION"
	envUpstreamTimeoutMs = "SK_UPSTREAM_TIMEOUT_MS"
	envHealthTimeoutMs   = "SK_HEALTH_TIMEOUT_MS"
	envCapabilitiesPath  = "KG_CAPABILITIES_PATH"
	envRateLimitRPS      = "KG_RATE_LIMIT_RPS"
	envRateLimitBurst    = "KG_RATE_LIMIT_BURST"
	envAllowedOrigins    = "KG_ALLOWED_ORIGINS"
	envTrustTierHeader   = "KG_TRUST_TIER_HEADER"
)

// Memory store backends understood by the gateway.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config holds runtime configuration for the gateway process.
type Config struct {
	HTTPAddr               string
	MetricsAddr            string
	StoreBackend           string
	RedisURL               string
	SQLitePath             string
	NatsURL                string
	DefaultBehaviorVersion string
	UpstreamTimeout        time.Duration
	HealthTimeout          time.Duration
	CapabilitiesPath       string
	Capabilities           map[string]Capability

	// RateLimitRPS <= 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	// AllowedOrigins lists CORS origins; "*" admits any. Empty admits
	// loopback and same-host origins only.
	AllowedOrigins []string
	// TrustTierHeader honours X-SK-Tier from callers whose API key carries
	// no tier. Only set it behind an auth layer that strips client values.
	TrustTierHeader bool
}

// Load returns configuration using environment variables with sane defaults.
// Capabilities are read from CapabilitiesPath; a missing or broken file falls
// back to the built-in set and the error is returned alongside.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:               envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:            envOr(envMetricsAddr, defaultMetricsAddr),
		StoreBackend:           parseBackend(os.Getenv(envStoreBackend)),
		RedisURL:               envOr(envRedisURL, defaultRedisURL),
		SQLitePath:             envOr(envSQLitePath, defaultSQLitePath),
		NatsURL:                strings.TrimSpace(os.Getenv(envNATSURL)),
		DefaultBehaviorVersion: envOr(envBehaviorVersion, defaultBehaviorVersion),
		UpstreamTimeout:        millisEnv(envUpstreamTimeoutMs, defaultUpstreamTimeout),
		HealthTimeout:          millisEnv(envHealthTimeoutMs, defaultHealthTimeout),
		CapabilitiesPath:       envOr(envCapabilitiesPath, defaultCapabilitiesPath),
		RateLimitRPS:           floatEnv(envRateLimitRPS, defaultRateLimitRPS),
		RateLimitBurst:         intEnv(envRateLimitBurst, defaultRateLimitBurst),
		AllowedOrigins:         splitList(os.Getenv(envAllowedOrigins)),
		TrustTierHeader:        boolEnv(envTrustTierHeader),
	}
	caps, err := LoadCapabilities(cfg.CapabilitiesPath)
	applyServiceURLOverrides(caps)
	cfg.Capabilities = caps
	return cfg, err
}

// Capability returns the named capability, if configured.
func (c *Config) Capability(name string) (Capability, bool) {
	if c == nil {
		return Capability{}, false
	}
	capability, ok := c.Capabilities[strings.ToLower(strings.TrimSpace(name))]
	return capability, ok
}

// TimeoutFor resolves the per-call timeout for a capability.
func (c *Config) TimeoutFor(capability Capability) time.Duration {
	if capability.TimeoutMs > 0 {
		return time.Duration(capability.TimeoutMs) * time.Millisecond
	}
	if c != nil && c.UpstreamTimeout > 0 {
		return c.UpstreamTimeout
	}
	return defaultUpstreamTimeout
}

func parseBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case StoreRedis:
		return StoreRedis
	case StoreSQLite:
		return StoreSQLite
	default:
		return defaultStoreBackend
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func millisEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func boolEnv(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
