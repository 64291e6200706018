// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/bountyledger/internal/amount"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	LogFile   string // Rotated log file (optional, stdout only if not set)

	// Storage: Postgres wins over Bolt; in-memory if neither is set
	DatabaseURL string
	BoltPath    string

	// Ledger roles
	ArbitratorAddress   string
	TreasuryAddress     string
	AuthorizerAddresses []string

	// Ledger parameters
	MinDeposit  string // Decimal token amount, e.g. "0.001"
	MinDuration time.Duration

	// Payouts
	PayoutMode       string // "internal" or "onchain"
	RPCURL           string
	ChainID          int64
	PayoutPrivateKey string // Hex-encoded, with or without 0x prefix

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string

	// Background jobs
	ExpiryScanInterval time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultMinDeposit         = "0.001"
	DefaultMinDuration        = time.Hour
	DefaultPayoutMode         = PayoutInternal
	DefaultRPCURL             = "https://testnet-rpc.monad.xyz"
	DefaultChainID            = 10143 // Monad testnet
	DefaultRateLimit          = 120
	DefaultExpiryScanInterval = 5 * time.Minute
)

// Payout modes
const (
	PayoutInternal = "internal"
	PayoutOnchain  = "onchain"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	arbitrator := os.Getenv("ARBITRATOR_ADDRESS")
	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:             os.Getenv("LOG_FILE"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		BoltPath:            os.Getenv("BOLT_PATH"),
		ArbitratorAddress:   arbitrator,
		TreasuryAddress:     getEnv("TREASURY_ADDRESS", arbitrator),
		AuthorizerAddresses: splitList(os.Getenv("AUTHORIZER_ADDRESSES")),
		MinDeposit:          getEnv("MIN_DEPOSIT", DefaultMinDeposit),
		MinDuration:         getEnvDuration("MIN_DURATION", DefaultMinDuration),
		PayoutMode:          getEnv("PAYOUT_MODE", DefaultPayoutMode),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		PayoutPrivateKey:    os.Getenv("PAYOUT_PRIVATE_KEY"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		CORSOrigins:         splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		ExpiryScanInterval:  getEnvDuration("EXPIRY_SCAN_INTERVAL", DefaultExpiryScanInterval),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.ArbitratorAddress) {
		return fmt.Errorf("ARBITRATOR_ADDRESS must be a hex address")
	}
	if !common.IsHexAddress(c.TreasuryAddress) {
		return fmt.Errorf("TREASURY_ADDRESS must be a hex address")
	}
	if len(c.AuthorizerAddresses) == 0 {
		return fmt.Errorf("AUTHORIZER_ADDRESSES is required")
	}
	for _, a := range c.AuthorizerAddresses {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("AUTHORIZER_ADDRESSES contains invalid address %q", a)
		}
	}

	if v, ok := amount.Parse(c.MinDeposit); !ok || v.IsZero() {
		return fmt.Errorf("MIN_DEPOSIT must be a positive decimal amount")
	}
	if c.MinDuration <= 0 {
		return fmt.Errorf("MIN_DURATION must be positive")
	}

	switch c.PayoutMode {
	case PayoutInternal:
	case PayoutOnchain:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for onchain payouts")
		}
		key := strings.TrimPrefix(c.PayoutPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PAYOUT_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	default:
		return fmt.Errorf("PAYOUT_MODE must be %q or %q", PayoutInternal, PayoutOnchain)
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
