// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Battles
	InvitationTTL       time.Duration
	ExpirySweepInterval time.Duration
	BalanceTimeout      time.Duration
	LockTimeout         time.Duration

	// HTTP edge
	RateLimitRPM       int      // requests per minute per client
	RateLimitBurst     int      // short bursts above the average
	CORSAllowedOrigins []string // "*" allows any origin

	// Tracing
	OTLPEndpoint string // empty disables export

	// Development seed accounts, opened at startup when missing
	SeedUsers []SeedUser

	// Errors collected while reading the environment, reported by Validate.
	parseErrs []error
}

// SeedUser is one entry of SEED_USERS.
type SeedUser struct {
	ID      string
	Name    string
	Balance int64
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultInvitationTTL       = 24 * time.Hour
	DefaultExpirySweepInterval = 30 * time.Second
	DefaultBalanceTimeout      = 2 * time.Second
	DefaultLockTimeout         = 5 * time.Second
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
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
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.InvitationTTL = cfg.getEnvDuration("INVITATION_TTL", DefaultInvitationTTL)
	cfg.ExpirySweepInterval = cfg.getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval)
	cfg.BalanceTimeout = cfg.getEnvDuration("BALANCE_TIMEOUT", DefaultBalanceTimeout)
	cfg.LockTimeout = cfg.getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout)
	cfg.RateLimitRPM = cfg.getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM)
	cfg.RateLimitBurst = cfg.getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst)
	cfg.CORSAllowedOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", "*"))

	if raw := os.Getenv("SEED_USERS"); raw != "" {
		seeds, err := ParseSeedUsers(raw)
		if err != nil {
			cfg.parseErrs = append(cfg.parseErrs, err)
		}
		cfg.SeedUsers = seeds
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if len(c.parseErrs) > 0 {
		return c.parseErrs[0]
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"INVITATION_TTL", c.InvitationTTL},
		{"EXPIRY_SWEEP_INTERVAL", c.ExpirySweepInterval},
		{"BALANCE_TIMEOUT", c.BalanceTimeout},
		{"LOCK_TIMEOUT", c.LockTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}

	seen := make(map[string]bool, len(c.SeedUsers))
	for _, u := range c.SeedUsers {
		if seen[u.ID] {
			return fmt.Errorf("SEED_USERS: duplicate id %q", u.ID)
		}
		seen[u.ID] = true
	}

	return nil
}

// ParseSeedUsers parses "id:name:balance,..." into seed accounts.
func ParseSeedUsers(raw string) ([]SeedUser, error) {
	var seeds []SeedUser
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("SEED_USERS: malformed entry %q (want id:name:balance)", entry)
		}
		balance, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || balance < 0 {
			return nil, fmt.Errorf("SEED_USERS: invalid balance in %q", entry)
		}
		seeds = append(seeds, SeedUser{ID: parts[0], Name: parts[1], Balance: balance})
	}
	return seeds, nil
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

func (c *Config) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func (c *Config) getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return i
}

// splitList parses a comma-separated list, dropping empty items.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
