package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "FEE_BASIS_POINTS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(250), cfg.FeeBasisPoints)
	assert.Equal(t, DefaultAutoReleaseDays, cfg.AutoReleaseDays)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
}

func TestLoad_InvalidFee(t *testing.T) {
	setEnv(t, "FEE_BASIS_POINTS", "20000")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "FEE_BASIS_POINTS")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Env:              "development",
				FeeBasisPoints:   500,
				StaleFundingDays: 14,
			},
			wantErr: "",
		},
		{
			name: "negative fee",
			config: Config{
				Env:              "development",
				FeeBasisPoints:   -1,
				StaleFundingDays: 14,
			},
			wantErr: "FEE_BASIS_POINTS",
		},
		{
			name: "negative auto release",
			config: Config{
				Env:              "development",
				FeeBasisPoints:   500,
				AutoReleaseDays:  -1,
				StaleFundingDays: 14,
			},
			wantErr: "AUTO_RELEASE_DAYS",
		},
		{
			name: "zero stale funding window",
			config: Config{
				Env:            "development",
				FeeBasisPoints: 500,
			},
			wantErr: "STALE_FUNDING_DAYS",
		},
		{
			name: "production without admin secret",
			config: Config{
				Env:              "production",
				FeeBasisPoints:   500,
				StaleFundingDays: 14,
			},
			wantErr: "ADMIN_SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
