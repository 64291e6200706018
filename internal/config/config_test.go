package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testArbitrator = "0x1234567890123456789012345678901234567890"
	testTreasury   = "0x2222222222222222222222222222222222222222"
	testAuthorizer = "0x3333333333333333333333333333333333333333"
	testKey        = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
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

func setRequired(t *testing.T) {
	t.Helper()
	setEnv(t, "ARBITRATOR_ADDRESS", testArbitrator)
	setEnv(t, "AUTHORIZER_ADDRESSES", testAuthorizer)
	setEnv(t, "TREASURY_ADDRESS", "")
	setEnv(t, "PAYOUT_MODE", "")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "")
}

func validConfig() Config {
	return Config{
		ArbitratorAddress:   testArbitrator,
		TreasuryAddress:     testTreasury,
		AuthorizerAddresses: []string{testAuthorizer},
		MinDeposit:          DefaultMinDeposit,
		MinDuration:         DefaultMinDuration,
		PayoutMode:          PayoutInternal,
		RPCURL:              DefaultRPCURL,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequired(t)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultMinDeposit, cfg.MinDeposit)
	assert.Equal(t, DefaultMinDuration, cfg.MinDuration)
	assert.Equal(t, PayoutInternal, cfg.PayoutMode)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	// Treasury defaults to the arbitrator
	assert.Equal(t, testArbitrator, cfg.TreasuryAddress)
}

func TestLoad_AuthorizerList(t *testing.T) {
	setRequired(t)
	setEnv(t, "AUTHORIZER_ADDRESSES", " "+testAuthorizer+" ,"+testTreasury+",")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{testAuthorizer, testTreasury}, cfg.AuthorizerAddresses)
}

func TestLoad_Durations(t *testing.T) {
	setRequired(t)
	setEnv(t, "MIN_DURATION", "90m")
	setEnv(t, "EXPIRY_SCAN_INTERVAL", "bogus")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, cfg.MinDuration)
	assert.Equal(t, DefaultExpiryScanInterval, cfg.ExpiryScanInterval) // Falls back on parse error
}

func TestLoad_MissingArbitrator(t *testing.T) {
	setRequired(t)
	setEnv(t, "ARBITRATOR_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ARBITRATOR_ADDRESS")
}

func TestLoad_MissingAuthorizers(t *testing.T) {
	setRequired(t)
	setEnv(t, "AUTHORIZER_ADDRESSES", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHORIZER_ADDRESSES is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "bad treasury",
			mutate:  func(c *Config) { c.TreasuryAddress = "treasury" },
			wantErr: "TREASURY_ADDRESS",
		},
		{
			name:    "bad authorizer",
			mutate:  func(c *Config) { c.AuthorizerAddresses = []string{testAuthorizer, "nope"} },
			wantErr: "invalid address",
		},
		{
			name:    "zero min deposit",
			mutate:  func(c *Config) { c.MinDeposit = "0" },
			wantErr: "MIN_DEPOSIT",
		},
		{
			name:    "malformed min deposit",
			mutate:  func(c *Config) { c.MinDeposit = "1.2.3" },
			wantErr: "MIN_DEPOSIT",
		},
		{
			name:    "zero min duration",
			mutate:  func(c *Config) { c.MinDuration = 0 },
			wantErr: "MIN_DURATION",
		},
		{
			name:    "unknown payout mode",
			mutate:  func(c *Config) { c.PayoutMode = "carrier-pigeon" },
			wantErr: "PAYOUT_MODE",
		},
		{
			name: "onchain with key",
			mutate: func(c *Config) {
				c.PayoutMode = PayoutOnchain
				c.PayoutPrivateKey = "0x" + testKey
			},
			wantErr: "",
		},
		{
			name: "onchain invalid key length",
			mutate: func(c *Config) {
				c.PayoutMode = PayoutOnchain
				c.PayoutPrivateKey = "abc123"
			},
			wantErr: "64 hex characters",
		},
		{
			name: "onchain missing RPC URL",
			mutate: func(c *Config) {
				c.PayoutMode = PayoutOnchain
				c.PayoutPrivateKey = testKey
				c.RPCURL = ""
			},
			wantErr: "RPC_URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
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
