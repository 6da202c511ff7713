package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the event subsystem.
type Config struct {
	RedisURL         string
	DatabaseURL      string
	QueueConcurrency int
	QueueMaxAttempts int
	QueueBackoff     time.Duration
	LockTTL          time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	redisURL := getEnv("REDIS_URL", "")
	dbURL := getEnv("DATABASE_URL", "")
	concurrency := getEnvInt("QUEUE_CONCURRENCY", 5)
	maxAttempts := getEnvInt("QUEUE_MAX_ATTEMPTS", 3)
	backoffMs := getEnvInt("QUEUE_BACKOFF_MS", 2000)
	lockTTLMs := getEnvInt("LOCK_TTL_MS", 5000)

	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &Config{
		RedisURL:         redisURL,
		DatabaseURL:      dbURL,
		QueueConcurrency: concurrency,
		QueueMaxAttempts: maxAttempts,
		QueueBackoff:     time.Duration(backoffMs) * time.Millisecond,
		LockTTL:          time.Duration(lockTTLMs) * time.Millisecond,
	}, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}
