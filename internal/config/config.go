// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
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

	// Payment provider
	ProviderAPIKey        string // empty runs against the in-process fake provider
	ProviderWebhookSecret string
	ProviderCallTimeout   time.Duration
	ProviderRetryCount    int

	// Token accounting
	PlatformTreasuryUser string
	TokenDecimals        int32
	AtomicDecimals       int32
	TokenEURRate         decimal.Decimal // EUR value of one TEO

	// Workflow timing
	DecisionTTL       time.Duration
	SnapshotReaperTTL time.Duration
	LockTimeout       time.Duration
	TierCacheTTL      time.Duration

	// Security
	AdminSecret         string
	NotifyWebhookSecret string   // signs outbound notification webhooks
	CORSOrigins         []string // empty allows any origin
	RateLimitRPM        int

	// Observability
	OTelEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultPlatformTreasuryUser = "platform_treasury"
	DefaultTokenDecimals        = 8
	DefaultAtomicDecimals       = 18
	DefaultDecisionTTL          = 24 * time.Hour
	DefaultSnapshotReaperTTL    = 72 * time.Hour
	DefaultProviderCallTimeout  = 15 * time.Second
	DefaultProviderRetryCount   = 3
	DefaultLockTimeout          = 5 * time.Second
	DefaultTierCacheTTL         = time.Minute
	DefaultRateLimitRPM         = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	rate, err := getEnvDecimal("TOKEN_EUR_RATE", decimal.NewFromInt(1))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		ProviderAPIKey:        os.Getenv("PROVIDER_API_KEY"),
		ProviderWebhookSecret: os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		ProviderCallTimeout:   getEnvDuration("PROVIDER_CALL_TIMEOUT", DefaultProviderCallTimeout),
		ProviderRetryCount:    int(getEnvInt64("PROVIDER_RETRY_COUNT", DefaultProviderRetryCount)),
		PlatformTreasuryUser:  getEnv("PLATFORM_TREASURY_USER", DefaultPlatformTreasuryUser),
		TokenDecimals:         int32(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		AtomicDecimals:        int32(getEnvInt64("ATOMIC_DECIMALS", DefaultAtomicDecimals)),
		TokenEURRate:          rate,
		DecisionTTL:           getEnvDuration("DECISION_TTL", DefaultDecisionTTL),
		SnapshotReaperTTL:     getEnvDuration("SNAPSHOT_REAPER_TTL", DefaultSnapshotReaperTTL),
		LockTimeout:           getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		TierCacheTTL:          getEnvDuration("TIER_CACHE_TTL", DefaultTierCacheTTL),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		NotifyWebhookSecret:   os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		CORSOrigins:           getEnvList("CORS_ORIGINS"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTelEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.ProviderWebhookSecret == "" {
		return fmt.Errorf("PROVIDER_WEBHOOK_SECRET is required")
	}
	if c.IsProduction() && c.ProviderAPIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required in production")
	}
	if c.PlatformTreasuryUser == "" {
		return fmt.Errorf("PLATFORM_TREASURY_USER must not be empty")
	}
	if c.TokenDecimals != DefaultTokenDecimals {
		return fmt.Errorf("TOKEN_DECIMALS must be %d, got %d", DefaultTokenDecimals, c.TokenDecimals)
	}
	if c.AtomicDecimals < c.TokenDecimals {
		return fmt.Errorf("ATOMIC_DECIMALS (%d) must be >= TOKEN_DECIMALS (%d)", c.AtomicDecimals, c.TokenDecimals)
	}
	if !c.TokenEURRate.IsPositive() {
		return fmt.Errorf("TOKEN_EUR_RATE must be positive")
	}
	if c.DecisionTTL <= 0 || c.SnapshotReaperTTL <= 0 {
		return fmt.Errorf("DECISION_TTL and SNAPSHOT_REAPER_TTL must be positive")
	}
	if c.ProviderRetryCount < 1 {
		return fmt.Errorf("PROVIDER_RETRY_COUNT must be at least 1")
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
