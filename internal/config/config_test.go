package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() Config {
	return Config{
		DatabaseURL:     "postgres://localhost/test",
		Port:            "8080",
		JWTSecret:       testSecret,
		Currency:        "UZS",
		CommissionRate:  "0.10",
		PaymeLogin:      "Paycom",
		PaymeKey:        "key",
		PaymeTimeout:    12 * time.Hour,
		PaymeUnits:      100,
		RefundTTL:       24 * time.Hour,
		SweepInterval:   time.Hour,
		RiverMaxWorkers: 10,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("PAYME_KEY", "merchant-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "UZS", cfg.Currency)
	assert.Equal(t, "0.1", cfg.Rate().String())
	assert.Equal(t, "Paycom", cfg.PaymeLogin)
	assert.Equal(t, 12*time.Hour, cfg.PaymeTimeout)
	assert.Equal(t, int64(100), cfg.PaymeUnits)
	assert.Equal(t, 24*time.Hour, cfg.RefundTTL)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 10, cfg.RiverMaxWorkers)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins())
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("PAYME_KEY", "merchant-key")
	t.Setenv("COMMISSION_RATE", "0.125")
	t.Setenv("REFUND_TTL", "36h")
	t.Setenv("SWEEP_SCHEDULE", "0 * * * *")
	t.Setenv("CORS_ORIGINS", "https://a.uz, https://b.uz")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.125", cfg.Rate().String())
	assert.Equal(t, 36*time.Hour, cfg.RefundTTL)
	assert.Equal(t, "0 * * * *", cfg.SweepSchedule)
	assert.Equal(t, []string{"https://a.uz", "https://b.uz"}, cfg.AllowedOrigins())
}

func TestLoad_MissingSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("PAYME_KEY", "")
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"rate not decimal", func(c *Config) { c.CommissionRate = "ten" }, "COMMISSION_RATE"},
		{"rate too high", func(c *Config) { c.CommissionRate = "1" }, "COMMISSION_RATE"},
		{"rate negative", func(c *Config) { c.CommissionRate = "-0.1" }, "COMMISSION_RATE"},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "JWT_SECRET"},
		{"no payme key", func(c *Config) { c.PaymeKey = "" }, "PAYME_KEY"},
		{"zero units", func(c *Config) { c.PaymeUnits = 0 }, "PAYME_UNITS_PER_CURRENCY"},
		{"zero ttl", func(c *Config) { c.RefundTTL = 0 }, "REFUND_TTL"},
		{"zero interval", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"zero workers", func(c *Config) { c.RiverMaxWorkers = 0 }, "RIVER_MAX_WORKERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg.SweepInterval = 0
	cfg.SweepSchedule = "*/5 * * * *"
	assert.NoError(t, cfg.Validate(), "a cron schedule replaces the interval")
}
