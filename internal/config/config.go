// Package config loads runtime configuration for the demo binary from
// environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nostrworker/nostrworker/internal/pool"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	DatabasePath string   // DATABASE_PATH — sqlite file path, or ":memory:"
	NostrRelays  []string // NOSTR_RELAYS — comma-separated default relay set
	StatusAddr   string   // STATUS_ADDR — listen address for the status HTTP surface
	SkipVerify   bool     // SKIP_VERIFICATION — disable signature checks on save (test/dev only)

	Pool pool.Config
}

// Load reads configuration from environment variables, defaulting every
// tunable to the pool's own defaults when unset.
func Load() *Config {
	cfg := pool.DefaultConfig()
	cfg.RelayTimeout = parseDuration(os.Getenv("RELAY_TIMEOUT"), cfg.RelayTimeout)
	cfg.ResponseTimeout = parseDuration(os.Getenv("RESPONSE_TIMEOUT"), cfg.ResponseTimeout)
	cfg.StreamingBufferWindow = parseDuration(os.Getenv("STREAMING_BUFFER_WINDOW"), cfg.StreamingBufferWindow)
	cfg.IdleTimeout = parseDuration(os.Getenv("IDLE_TIMEOUT"), cfg.IdleTimeout)
	cfg.PingIdleThreshold = parseDuration(os.Getenv("PING_IDLE_THRESHOLD"), cfg.PingIdleThreshold)
	cfg.HeartbeatInterval = parseDuration(os.Getenv("HEARTBEAT_INTERVAL"), cfg.HeartbeatInterval)
	cfg.MaxBackoffLevel = parseInt(os.Getenv("MAX_BACKOFF_LEVEL"), cfg.MaxBackoffLevel)

	return &Config{
		DatabasePath: getEnv("DATABASE_PATH", "nostrworker.db"),
		NostrRelays:  parseRelays(os.Getenv("NOSTR_RELAYS")),
		StatusAddr:   getEnv("STATUS_ADDR", ":8090"),
		SkipVerify:   getEnvBool("SKIP_VERIFICATION"),
		Pool:         cfg,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1"
}

func parseRelays(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
