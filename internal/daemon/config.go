// Package daemon implements the EX-AI WebSocket daemon: the connection
// handler MCP clients talk to, and the wiring that connects it to the
// dispatcher, the limiter, the caches and the health and audit sinks.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
)

// Config holds all configuration for the daemon, loaded from environment variables.
type Config struct {
	// Server
	Host string // Bind address (default: "127.0.0.1")
	Port int    // HTTP + WS listen port (default: 8079)

	// Authentication
	AuthTokenHash string // Argon2id hash of the client token; empty = open access

	// Redis
	RedisURL      string // Redis connection URL (empty = start embedded miniredis)
	EmbeddedRedis bool   // True if using embedded miniredis (set by the binary)

	// Concurrency
	GlobalConcurrency   int            // Global gate capacity (default: 24)
	ProviderConcurrency int            // Default per-provider capacity (default: 8)
	ProviderLimits      map[string]int // Per-provider overrides, e.g. kimi=6,glm=4
	SessionConcurrency  int            // Per-session capacity (default: 8)
	AcquireTimeout      time.Duration  // Bounded wait for permits; 0 = fail immediately

	// Deadlines
	ProviderTimeoutMargin time.Duration // Class timeout minus this = provider deadline
	RetryAfter            time.Duration // Same-session resubmission window; 0 = disabled

	// Caches
	ResultCacheTTL  time.Duration
	ResultCacheSize int
	InflightTTL     time.Duration // Records older than this are expired by the sweeper
	SweepInterval   time.Duration

	// Connections
	HelloTimeout       time.Duration
	IdleTimeout        time.Duration // Sessions with nothing outstanding are closed after this
	PingInterval       time.Duration
	MaxFrameBytes      int64
	MaxMalformedFrames int
	ProgressInterval   time.Duration // Minimum gap between progress frames per call

	// Health and audit
	HealthInterval   time.Duration
	HealthFile       string
	AuditStream      string
	AuditDatabaseURL string // Postgres DSN; empty = no database audit

	// Telemetry
	OTelEndpoint string
	OTelInsecure bool

	CatalogFile string
	LogLevel    string
}

// LoadConfig reads configuration from environment variables. It does not
// validate against the catalog; call Validate once the catalog is loaded.
func LoadConfig() (*Config, error) {
	limits, err := envIntMap("EXAI_PROVIDER_LIMITS", map[string]int{"kimi": 6, "glm": 4})
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Host:                  envStr("EXAI_HOST", "127.0.0.1"),
		Port:                  envInt("EXAI_PORT", 8079),
		AuthTokenHash:         os.Getenv("EXAI_AUTH_TOKEN_HASH"),
		RedisURL:              os.Getenv("EXAI_REDIS_URL"), // Empty string = use embedded miniredis
		GlobalConcurrency:     envInt("EXAI_GLOBAL_CONCURRENCY", 24),
		ProviderConcurrency:   envInt("EXAI_PROVIDER_CONCURRENCY", 8),
		ProviderLimits:        limits,
		SessionConcurrency:    envInt("EXAI_SESSION_CONCURRENCY", 8),
		AcquireTimeout:        envDuration("EXAI_ACQUIRE_TIMEOUT", 30*time.Second),
		ProviderTimeoutMargin: envDuration("EXAI_PROVIDER_TIMEOUT_MARGIN", 10*time.Second),
		RetryAfter:            envDuration("EXAI_RETRY_AFTER", 0),
		ResultCacheTTL:        envDuration("EXAI_RESULT_CACHE_TTL", 10*time.Minute),
		ResultCacheSize:       envInt("EXAI_RESULT_CACHE_SIZE", 512),
		InflightTTL:           envDuration("EXAI_INFLIGHT_TTL", 30*time.Minute),
		SweepInterval:         envDuration("EXAI_SWEEP_INTERVAL", 30*time.Second),
		HelloTimeout:          envDuration("EXAI_HELLO_TIMEOUT", 10*time.Second),
		IdleTimeout:           envDuration("EXAI_IDLE_TIMEOUT", 5*time.Minute),
		PingInterval:          envDuration("EXAI_PING_INTERVAL", 30*time.Second),
		MaxFrameBytes:         int64(envInt("EXAI_MAX_FRAME_BYTES", 32<<20)),
		MaxMalformedFrames:    envInt("EXAI_MAX_MALFORMED_FRAMES", 5),
		ProgressInterval:      envDuration("EXAI_PROGRESS_INTERVAL", 2*time.Second),
		HealthInterval:        envDuration("EXAI_HEALTH_INTERVAL", 10*time.Second),
		HealthFile:            envStr("EXAI_HEALTH_FILE", "logs/ws_daemon.health.json"),
		AuditStream:           envStr("EXAI_AUDIT_STREAM", "exai:audit"),
		AuditDatabaseURL:      os.Getenv("EXAI_AUDIT_DATABASE_URL"),
		OTelEndpoint:          os.Getenv("EXAI_OTEL_ENDPOINT"),
		OTelInsecure:          os.Getenv("EXAI_OTEL_INSECURE") == "true",
		CatalogFile:           os.Getenv("EXAI_CATALOG_FILE"),
		LogLevel:              envStr("EXAI_LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// Validate checks settings that depend on each other or on the catalog.
// Every execution timeout class must exceed the provider margin so the
// provider deadline always falls strictly inside the dispatcher's.
func (c *Config) Validate(cat *catalog.Catalog) error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("EXAI_PORT %d is out of range", c.Port)
	}
	if c.ProviderTimeoutMargin <= 0 {
		return fmt.Errorf("EXAI_PROVIDER_TIMEOUT_MARGIN must be positive, got %s", c.ProviderTimeoutMargin)
	}
	for class, d := range cat.TimeoutClasses {
		if d <= c.ProviderTimeoutMargin {
			return fmt.Errorf("timeout class %q (%s) must exceed EXAI_PROVIDER_TIMEOUT_MARGIN (%s)",
				class, d, c.ProviderTimeoutMargin)
		}
	}
	for id := range c.ProviderLimits {
		if _, ok := cat.Provider(id); !ok {
			return fmt.Errorf("EXAI_PROVIDER_LIMITS names unknown provider %q", id)
		}
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("EXAI_MAX_FRAME_BYTES must be positive")
	}
	if c.HelloTimeout <= 0 {
		return fmt.Errorf("EXAI_HELLO_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("EXAI_SWEEP_INTERVAL must be positive")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("EXAI_HEALTH_INTERVAL must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// envDuration reads an env var as a duration string (e.g., "15s", "5m") with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envStringList reads a comma-separated env var into a string slice.
// Returns nil if the env var is unset or empty.
func envStringList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

// envIntMap reads "a=1,b=2" into a map. Unlike the scalar helpers it
// rejects malformed input, since a silently dropped limit is hard to spot.
func envIntMap(key string, defaultVal map[string]int) (map[string]int, error) {
	items := envStringList(key)
	if items == nil {
		return defaultVal, nil
	}
	m := make(map[string]int, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("%s: %q is not name=limit", key, item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s: limit for %q: %w", key, k, err)
		}
		m[strings.ToLower(strings.TrimSpace(k))] = n
	}
	return m, nil
}
