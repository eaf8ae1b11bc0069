// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime option of one replica.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// StateStoreURL is the Redis connection string for the authoritative
	// store and the fan-out bus. Required; there is no default so a replica
	// cannot silently come up against a store its peers do not share.
	StateStoreURL string

	// KeyPrefix scopes Redis keys and pub/sub channels. Tests use a unique
	// prefix per process to share one Redis instance.
	KeyPrefix string

	// SessionTTL is applied on every state write.
	SessionTTL time.Duration

	// AuditEnabled controls whether the PostgreSQL audit pipeline runs.
	// The audit store connection itself is configured via the DB_* options
	// (see database.LoadConfigFromEnv).
	AuditEnabled bool

	// AuditRetryAttempts and AuditBackoffInitial shape the audit retry
	// policy; the backoff cap stays at its built-in 32s.
	AuditRetryAttempts  int
	AuditBackoffInitial time.Duration

	// AuditLanes is the number of serial audit write lanes.
	AuditLanes int

	// AuditRetention is how long audit rows are kept; zero keeps them
	// forever. CleanupInterval is the purge cadence.
	AuditRetention  time.Duration
	CleanupInterval time.Duration

	// KeepaliveInterval is the push-channel ping cadence.
	KeepaliveInterval time.Duration

	// RateLimitSwitchPerSecond caps switch-cycle calls per session.
	// RateLimitGeneralPerMinute caps all other calls per client IP.
	RateLimitSwitchPerSecond  float64
	RateLimitGeneralPerMinute float64

	// CORSOrigin is the allowed browser origin; "*" allows all.
	CORSOrigin string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// ReplicaID names this replica in logs and bus messages.
	ReplicaID string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	port, err := intEnv("PORT", 8080)
	if err != nil {
		return nil, err
	}
	ttlSeconds, err := intEnv("SESSION_TTL_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	retryAttempts, err := intEnv("AUDIT_RETRY_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	backoffMs, err := intEnv("AUDIT_BACKOFF_INITIAL_MS", 2000)
	if err != nil {
		return nil, err
	}
	lanes, err := intEnv("AUDIT_LANES", 4)
	if err != nil {
		return nil, err
	}
	retentionDays, err := intEnv("AUDIT_RETENTION_DAYS", 0)
	if err != nil {
		return nil, err
	}
	cleanupMinutes, err := intEnv("CLEANUP_INTERVAL_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	keepalive, err := intEnv("KEEPALIVE_INTERVAL_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	switchRate, err := floatEnv("RATE_LIMIT_SWITCH_PER_SECOND", 10)
	if err != nil {
		return nil, err
	}
	generalRate, err := floatEnv("RATE_LIMIT_GENERAL_PER_MINUTE", 100)
	if err != nil {
		return nil, err
	}

	stateStoreURL := os.Getenv("STATE_STORE_URL")
	if stateStoreURL == "" {
		return nil, fmt.Errorf("STATE_STORE_URL is required (e.g. redis://localhost:6379/0)")
	}

	cfg := &Config{
		Port:                      port,
		StateStoreURL:             stateStoreURL,
		KeyPrefix:                 envOrDefault("KEY_PREFIX", "turnclock:"),
		SessionTTL:                time.Duration(ttlSeconds) * time.Second,
		AuditEnabled:              envOrDefault("AUDIT_ENABLED", "true") == "true",
		AuditRetryAttempts:        retryAttempts,
		AuditBackoffInitial:       time.Duration(backoffMs) * time.Millisecond,
		AuditLanes:                lanes,
		AuditRetention:            time.Duration(retentionDays) * 24 * time.Hour,
		CleanupInterval:           time.Duration(cleanupMinutes) * time.Minute,
		KeepaliveInterval:         time.Duration(keepalive) * time.Second,
		RateLimitSwitchPerSecond:  switchRate,
		RateLimitGeneralPerMinute: generalRate,
		CORSOrigin:                envOrDefault("CORS_ORIGIN", "*"),
		LogLevel:                  envOrDefault("LOG_LEVEL", "info"),
		ReplicaID:                 resolveReplicaID(),
	}

	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL_SECONDS must be positive, got %d", ttlSeconds)
	}
	if cfg.AuditRetryAttempts < 1 {
		return nil, fmt.Errorf("AUDIT_RETRY_ATTEMPTS must be at least 1, got %d", retryAttempts)
	}
	return cfg, nil
}

// SlogLevel maps the configured log level onto slog's scale. Unknown values
// fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolveReplicaID picks a stable name for this replica: an explicit POD_ID
// (Kubernetes downward API), the hostname, or "local".
func resolveReplicaID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func floatEnv(key string, defaultVal float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
