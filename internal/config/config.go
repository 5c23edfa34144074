// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	FeeBasisPoints    int64  // platform fee in basis points of gross amount
	AutoReleaseDays   int    // default auto-release dwell after delivery
	DisputeWindowDays int    // default dispute window after delivery
	StaleFundingDays  int    // cancel unfunded escrows older than this
	SweepInterval     string // timer sweep interval, duration string
	TopUpHoldHours    int    // external top-ups sit in pending for this long (0 = direct to available)

	// Funding gateway (Stripe)
	StripeAPIKey string // empty disables direct funding; wallet funding still works

	// Upstream identity service
	DirectoryURL string // empty disables seller lookup by email

	// Security
	AdminSecret   string // Admin API secret
	WebhookURL    string // if set, notifications are POSTed here as signed JSON
	WebhookSecret string
	RateLimitRPS  int

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultFeeBasisPoints    = 500 // 5%
	DefaultAutoReleaseDays   = 7
	DefaultDisputeWindowDays = 3
	DefaultStaleFundingDays  = 14
	DefaultSweepInterval     = "1h"
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FeeBasisPoints:    getEnvInt64("FEE_BASIS_POINTS", DefaultFeeBasisPoints),
		AutoReleaseDays:   int(getEnvInt64("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays)),
		DisputeWindowDays: int(getEnvInt64("DISPUTE_WINDOW_DAYS", DefaultDisputeWindowDays)),
		StaleFundingDays:  int(getEnvInt64("STALE_FUNDING_DAYS", DefaultStaleFundingDays)),
		SweepInterval:     getEnv("SWEEP_INTERVAL", DefaultSweepInterval),
		TopUpHoldHours:    int(getEnvInt64("TOPUP_HOLD_HOURS", 0)),
		StripeAPIKey:      os.Getenv("STRIPE_API_KEY"),
		DirectoryURL:      os.Getenv("DIRECTORY_URL"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		WebhookURL:        os.Getenv("WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are sane
func (c *Config) Validate() error {
	if c.FeeBasisPoints < 0 || c.FeeBasisPoints > 10000 {
		return fmt.Errorf("FEE_BASIS_POINTS must be between 0 and 10000")
	}
	if c.AutoReleaseDays < 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must not be negative")
	}
	if c.DisputeWindowDays < 0 {
		return fmt.Errorf("DISPUTE_WINDOW_DAYS must not be negative")
	}
	if c.StaleFundingDays <= 0 {
		return fmt.Errorf("STALE_FUNDING_DAYS must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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
