// Package config provides configuration loading for the chat relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all configuration values for one relay process.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Durable log settings
	DBPath string

	// Cluster settings
	NodeID           string
	PeerURLs         []string
	PeerDialTimeout  time.Duration
	PeerRetryInitial time.Duration
	PeerRetryMax     time.Duration

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSWriteTimeout    time.Duration

	// Delivery settings
	SubscriberBuffer int
	ReplayBatchSize  int

	// Connection-state recovery settings
	RecoveryTTL       time.Duration
	RecoveryMaxBuffer int

	// Submit rate limiting (per connection; 0 disables)
	SubmitRate  float64
	SubmitBurst int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Default port matches the first worker of the original
		// one-process-per-core deployment (8000 + worker index).
		Port:           getEnvInt("PORT", 8000),
		Host:           getEnv("HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		DBPath: getEnv("CHAT_DB_PATH", "chat.db"),

		NodeID:           getEnv("NODE_ID", ""),
		PeerURLs:         getEnvStringSlice("PEER_URLS", nil),
		PeerDialTimeout:  getEnvDuration("PEER_DIAL_TIMEOUT", 10*time.Second),
		PeerRetryInitial: getEnvDuration("PEER_RETRY_INITIAL", 1*time.Second),
		PeerRetryMax:     getEnvDuration("PEER_RETRY_MAX", 30*time.Second),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		WSWriteTimeout:    getEnvDuration("WS_WRITE_TIMEOUT", 5*time.Second),

		SubscriberBuffer: getEnvInt("SUBSCRIBER_BUFFER", 64),
		ReplayBatchSize:  getEnvInt("REPLAY_BATCH_SIZE", 256),

		RecoveryTTL:       getEnvDuration("RECOVERY_TTL", 2*time.Minute),
		RecoveryMaxBuffer: getEnvInt("RECOVERY_MAX_BUFFER", 512),

		SubmitRate:  getEnvFloat("SUBMIT_RATE", 20),
		SubmitBurst: getEnvInt("SUBMIT_BURST", 40),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("CHAT_DB_PATH must not be empty")
	}
	if cfg.ReplayBatchSize < 1 {
		return nil, fmt.Errorf("REPLAY_BATCH_SIZE must be positive, got %d", cfg.ReplayBatchSize)
	}
	if cfg.SubscriberBuffer < 1 {
		return nil, fmt.Errorf("SUBSCRIBER_BUFFER must be positive, got %d", cfg.SubscriberBuffer)
	}

	// Each process needs a stable-enough identity for peer logs; derive
	// one when the operator does not pin it.
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
