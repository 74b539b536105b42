// Package config loads process configuration from environment variables
// with defaults and validation.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all settings for one service instance.
type Config struct {
	// Server
	Addr string // HTTP listen address

	// Collaborators
	DatabaseDSN string
	RedisAddr   string
	NatsURL     string
	JWTSecret   string

	// Event bus
	BusStream         string
	BusQueueGroup     string
	BusConnectWait    time.Duration // initial backoff delay
	BusMaxConnectWait time.Duration // backoff cap
	BusMaxAttempts    int
	BusCooldown       time.Duration // per-topic pause after a handler error

	// Logging
	LogLevel  string
	LogPretty bool
}

// Load reads the environment. DB_DSN and JWT_SECRET are required;
// everything else has a workable default for local development.
func Load() (Config, error) {
	cfg := Config{
		Addr:              envOr("ADDR", ":8080"),
		DatabaseDSN:       os.Getenv("DB_DSN"),
		RedisAddr:         envOr("REDIS_ADDR", "localhost:6379"),
		NatsURL:           envOr("NATS_URL", "nats://localhost:4222"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		BusStream:         envOr("BUS_STREAM", "CHAT"),
		BusQueueGroup:     envOr("BUS_QUEUE_GROUP", "chatgrid"),
		BusConnectWait:    envDuration("BUS_CONNECT_WAIT", 500*time.Millisecond),
		BusMaxConnectWait: envDuration("BUS_MAX_CONNECT_WAIT", 15*time.Second),
		BusMaxAttempts:    envInt("BUS_MAX_ATTEMPTS", 10),
		BusCooldown:       envDuration("BUS_COOLDOWN", 5*time.Second),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogPretty:         envBool("LOG_PRETTY", false),
	}

	if cfg.DatabaseDSN == "" {
		return cfg, errors.New("DB_DSN is not set")
	}
	if cfg.JWTSecret == "" {
		return cfg, errors.New("JWT_SECRET is not set")
	}
	if cfg.BusMaxAttempts < 1 {
		return cfg, errors.New("BUS_MAX_ATTEMPTS must be at least 1")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
