package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PROVIDER_WEBHOOK_SECRET", "whsec_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultPlatformTreasuryUser, cfg.PlatformTreasuryUser)
	assert.Equal(t, int32(8), cfg.TokenDecimals)
	assert.Equal(t, int32(18), cfg.AtomicDecimals)
	assert.Equal(t, 24*time.Hour, cfg.DecisionTTL)
	assert.Equal(t, 72*time.Hour, cfg.SnapshotReaperTTL)
	assert.Equal(t, 15*time.Second, cfg.ProviderCallTimeout)
	assert.Equal(t, 3, cfg.ProviderRetryCount)
	assert.True(t, cfg.TokenEURRate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Empty(t, cfg.CORSOrigins)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PROVIDER_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("PORT", "9090")
	t.Setenv("DECISION_TTL", "1h")
	t.Setenv("PROVIDER_RETRY_COUNT", "5")
	t.Setenv("TOKEN_EUR_RATE", "0.50")
	t.Setenv("PLATFORM_TREASURY_USER", "treasury")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, time.Hour, cfg.DecisionTTL)
	assert.Equal(t, 5, cfg.ProviderRetryCount)
	assert.Equal(t, "0.5", cfg.TokenEURRate.String())
	assert.Equal(t, "treasury", cfg.PlatformTreasuryUser)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("PROVIDER_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("LOCK_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
}

func TestLoad_MissingWebhookSecret(t *testing.T) {
	t.Setenv("PROVIDER_WEBHOOK_SECRET", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_WEBHOOK_SECRET")
}

func TestLoad_BadRate(t *testing.T) {
	t.Setenv("PROVIDER_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("TOKEN_EUR_RATE", "one")
	_, err := Load()
	require.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Env:                   "development",
		ProviderWebhookSecret: "whsec_test",
		PlatformTreasuryUser:  "platform_treasury",
		TokenDecimals:         8,
		AtomicDecimals:        18,
		TokenEURRate:          decimal.NewFromInt(1),
		DecisionTTL:           24 * time.Hour,
		SnapshotReaperTTL:     72 * time.Hour,
		ProviderRetryCount:    3,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"production needs api key", func(c *Config) { c.Env = "production" }, "PROVIDER_API_KEY"},
		{"token decimals fixed", func(c *Config) { c.TokenDecimals = 6 }, "TOKEN_DECIMALS"},
		{"atomic below token", func(c *Config) { c.AtomicDecimals = 4 }, "ATOMIC_DECIMALS"},
		{"zero rate", func(c *Config) { c.TokenEURRate = decimal.Zero }, "TOKEN_EUR_RATE"},
		{"zero retries", func(c *Config) { c.ProviderRetryCount = 0 }, "PROVIDER_RETRY_COUNT"},
		{"empty treasury", func(c *Config) { c.PlatformTreasuryUser = "" }, "PLATFORM_TREASURY_USER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
