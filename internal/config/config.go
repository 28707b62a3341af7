// Package config loads assigner settings from the environment. A .env file in
// the working directory is read first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	LogLevel string

	// Backing services
	DatabaseURL string
	RedisAddr   string
	NATSURL     string
	MetricsAddr string

	// Assigner
	SweepInterval    time.Duration
	CleanupInterval  time.Duration
	QueueEntryTTL    time.Duration
	LockTTL          time.Duration
	SuggestRateLimit int
}

// Load reads the configuration. Values that fail to parse are replaced by
// their defaults and reported together in the returned error; the Config is
// always usable.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var bad []string
	cfg := &Config{
		Env:              getEnv("ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:          getEnv("NATS_URL", "nats://localhost:4222"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9100"),
		SweepInterval:    parseDuration("SWEEP_INTERVAL", 5*time.Second, &bad),
		CleanupInterval:  parseDuration("CLEANUP_INTERVAL", time.Minute, &bad),
		QueueEntryTTL:    parseDuration("QUEUE_ENTRY_TTL", 12*time.Hour, &bad),
		LockTTL:          parseDuration("LOCK_TTL", 5*time.Second, &bad),
		SuggestRateLimit: parseInt("SUGGEST_RATE_LIMIT", 30, &bad),
	}

	if len(bad) > 0 {
		return cfg, fmt.Errorf("config: invalid values for %s, using defaults", strings.Join(bad, ", "))
	}
	return cfg, nil
}

// Validate checks settings the assigner cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(key string, def time.Duration, bad *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*bad = append(*bad, key)
		return def
	}
	return d
}

func parseInt(key string, def int, bad *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*bad = append(*bad, key)
		return def
	}
	return n
}
