// Package config handles swapd configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/joho/godotenv"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/protocol"
)

// Config holds all swapd configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// DatabaseURL selects Postgres; the in-memory store is used when empty.
	DatabaseURL string

	// Counterparty websocket URL. Empty runs Alice in process (simnet only).
	PeerURL string

	// Wallet backend. Only "simnet" ships.
	Network        string
	SimnetFunds    btcutil.Amount
	SimnetBlockGap time.Duration

	// Swap parameters
	CancelTimelock       uint32 // blocks
	PunishTimelock       uint32 // blocks
	TimelockPollInterval time.Duration
	RefundAddress        string
	MoneroConfirmations  uint64

	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultNetwork              = NetworkSimnet
	DefaultSimnetFunds          = "1"
	DefaultSimnetBlockGap       = time.Second
	DefaultCancelTimelock       = 72
	DefaultPunishTimelock       = 72
	DefaultTimelockPollInterval = 30 * time.Second
	DefaultMoneroConfirmations  = 10

	NetworkSimnet = "simnet"
)

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	funds, err := bitcoin.ParseAmount(getEnv("SIMNET_FUNDS", DefaultSimnetFunds))
	if err != nil {
		return nil, fmt.Errorf("SIMNET_FUNDS: %w", err)
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		PeerURL:              os.Getenv("PEER_URL"),
		Network:              getEnv("NETWORK", DefaultNetwork),
		SimnetFunds:          funds,
		SimnetBlockGap:       getEnvDuration("SIMNET_BLOCK_INTERVAL", DefaultSimnetBlockGap),
		CancelTimelock:       uint32(getEnvInt64("CANCEL_TIMELOCK", DefaultCancelTimelock)), //nolint:gosec // checked in Validate
		PunishTimelock:       uint32(getEnvInt64("PUNISH_TIMELOCK", DefaultPunishTimelock)), //nolint:gosec // checked in Validate
		TimelockPollInterval: getEnvDuration("TIMELOCK_POLL_INTERVAL", DefaultTimelockPollInterval),
		RefundAddress:        os.Getenv("REFUND_ADDRESS"),
		MoneroConfirmations:  uint64(getEnvInt64("MONERO_CONFIRMATIONS", DefaultMoneroConfirmations)), //nolint:gosec // checked in Validate
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the swap parameters are usable.
func (c *Config) Validate() error {
	if c.CancelTimelock == 0 || c.CancelTimelock > 1<<16 {
		return fmt.Errorf("CANCEL_TIMELOCK must be between 1 and 65536 blocks")
	}
	if c.PunishTimelock == 0 || c.PunishTimelock > 1<<16 {
		return fmt.Errorf("PUNISH_TIMELOCK must be between 1 and 65536 blocks")
	}
	if c.TimelockPollInterval <= 0 {
		return fmt.Errorf("TIMELOCK_POLL_INTERVAL must be positive")
	}
	if c.RefundAddress == "" {
		return fmt.Errorf("REFUND_ADDRESS is required")
	}
	if c.MoneroConfirmations == 0 {
		return fmt.Errorf("MONERO_CONFIRMATIONS must be positive")
	}
	if c.Network != NetworkSimnet {
		return fmt.Errorf("NETWORK %q is not supported (want %q)", c.Network, NetworkSimnet)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

// Protocol returns the per-swap parameters Bob proposes.
func (c *Config) Protocol() protocol.Config {
	return protocol.Config{
		CancelTimelock:      c.CancelTimelock,
		PunishTimelock:      c.PunishTimelock,
		RefundAddress:       c.RefundAddress,
		MoneroConfirmations: c.MoneroConfirmations,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
