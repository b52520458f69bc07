// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // optional, quick-tier counters fall back in-process if not set

	// Decision engine
	TrafficMode string // auto | lenient | normal | strict
	DailyLimit  int    // per-device daily submission cap, 0 = unlimited
	AsyncMode   bool   // enable the two-tier async gate
	FailOpen    bool   // allow submissions through when the audit write fails

	// VPN detection
	VPNWhitelist []string // IPs / CIDRs exempt from VPN scoring

	// Security
	AdminSecret  string // admin API secret
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string // optional OTLP gRPC endpoint
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultTrafficMode = "auto"
	DefaultDailyLimit  = 3
	DefaultRateLimit   = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:     os.Getenv("REDIS_URL"),
		TrafficMode:  getEnv("ST_TRAFFIC_MODE", DefaultTrafficMode),
		DailyLimit:   int(getEnvInt64("ST_DAILY_LIMIT", DefaultDailyLimit)),
		AsyncMode:    getEnvBool("ST_ASYNC_MODE", false),
		FailOpen:     getEnvBool("ST_FAIL_OPEN", true),
		VPNWhitelist: splitList(os.Getenv("ST_VPN_WHITELIST")),
		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are coherent
func (c *Config) Validate() error {
	switch c.TrafficMode {
	case "auto", "lenient", "normal", "strict":
	default:
		return fmt.Errorf("ST_TRAFFIC_MODE must be one of auto, lenient, normal, strict (got %q)", c.TrafficMode)
	}

	if c.DailyLimit < 0 {
		return fmt.Errorf("ST_DAILY_LIMIT must be >= 0 (got %d)", c.DailyLimit)
	}

	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive (got %d)", c.RateLimitRPS)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
