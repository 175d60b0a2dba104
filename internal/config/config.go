// Package config handles application configuration from environment variables
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/treasury-sentinel/internal/security"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

// RiskInputs carries the modeling assumptions the metric engine cannot
// read on-chain. Set via the RISK_INPUTS env var as JSON.
type RiskInputs struct {
	ProjectedOutflowsUSD float64              `json:"projected_outflows_usd"`
	ProjectedInflowsUSD  float64              `json:"projected_inflows_usd"`
	LCRThreshold         float64              `json:"lcr_threshold"`
	ParticipationRate    float64              `json:"participation_rate"`
	DailyVolumesUSD      map[string]float64   `json:"daily_volumes_usd"`
	PriceHistory         map[string][]float64 `json:"price_history"`
	StableSymbols        []string             `json:"stable_symbols"`
}

// ChainConfig describes one monitored EVM chain.
type ChainConfig struct {
	ChainID         int64    `json:"chain_id"`
	RPCURL          string   `json:"rpc_url"`
	TreasuryAddress string   `json:"treasury_address"`
	TrackedTokens   []string `json:"tracked_token_addresses"`
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Budget
	BudgetLimit        usdc.Micro // Hard cap on total spend
	MinimumOperational usdc.Micro // Below this remaining the machine is budget-blocked

	// Scheduler
	CronExpression string
	RunTimeout     time.Duration

	// Payment pipeline
	InvoiceTTL         time.Duration
	SettlementPoll     time.Duration
	ConfirmationBlocks uint64

	// Escalation
	Cooldown time.Duration

	// Payment chain (Base)
	PaymentRPCURL    string
	PaymentChainID   int64
	PrivateKey       string // Hex-encoded signer for USDC payments, no 0x prefix
	USDCBaseAddress  string
	GatewayRecipient string // Where market-data payments must arrive

	// Market data
	MarketDataURL string
	PrimaryAsset  string // asset symbol used for market-data purchases

	// Risk modeling assumptions
	RiskInputs RiskInputs

	// Monitored treasuries
	Chains []ChainConfig

	// Security
	AdminSecret string // Admin API secret (budget reset)
}

// Base mainnet defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCron            = "*/15 * * * *"
	DefaultPaymentRPCURL   = "https://mainnet.base.org"
	DefaultPaymentChainID  = 8453 // Base
	DefaultUSDCBaseAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	DefaultPrimaryAsset    = "ETH"

	DefaultBudgetLimitUSDC   = 10.0
	DefaultMinOperationalUSD = 0.05

	DefaultConfirmationBlocks = 3
	DefaultInvoiceTTLSeconds  = 900
	DefaultSettlementPollMS   = 5000
	DefaultRunTimeoutMS       = 300_000
	DefaultCooldownMinutes    = 5
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		BudgetLimit:        usdc.FromUSDC(getEnvFloat("BUDGET_LIMIT_USDC", DefaultBudgetLimitUSDC)),
		MinimumOperational: usdc.FromUSDC(getEnvFloat("MINIMUM_OPERATIONAL_USDC", DefaultMinOperationalUSD)),

		CronExpression: getEnv("CRON_EXPRESSION", DefaultCron),
		RunTimeout:     time.Duration(getEnvInt64("RUN_TIMEOUT_MS", DefaultRunTimeoutMS)) * time.Millisecond,

		InvoiceTTL:         time.Duration(getEnvInt64("INVOICE_TTL_SECONDS", DefaultInvoiceTTLSeconds)) * time.Second,
		SettlementPoll:     time.Duration(getEnvInt64("SETTLEMENT_POLL_INTERVAL_MS", DefaultSettlementPollMS)) * time.Millisecond,
		ConfirmationBlocks: uint64(getEnvInt64("CONFIRMATION_BLOCKS", DefaultConfirmationBlocks)),

		Cooldown: time.Duration(getEnvInt64("COOLDOWN_MINUTES", DefaultCooldownMinutes)) * time.Minute,

		PaymentRPCURL:    getEnv("PAYMENT_RPC_URL", DefaultPaymentRPCURL),
		PaymentChainID:   getEnvInt64("PAYMENT_CHAIN_ID", DefaultPaymentChainID),
		PrivateKey:       os.Getenv("PRIVATE_KEY"), // Required, no default
		USDCBaseAddress:  getEnv("USDC_BASE_ADDRESS", DefaultUSDCBaseAddress),
		GatewayRecipient: os.Getenv("GATEWAY_RECIPIENT_ADDRESS"),

		MarketDataURL: os.Getenv("MARKET_DATA_URL"),
		PrimaryAsset:  getEnv("PRIMARY_ASSET", DefaultPrimaryAsset),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}

	if raw := os.Getenv("CHAINS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Chains); err != nil {
			return nil, fmt.Errorf("CHAINS must be a JSON array: %w", err)
		}
	}

	if raw := os.Getenv("RISK_INPUTS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.RiskInputs); err != nil {
			return nil, fmt.Errorf("RISK_INPUTS must be a JSON object: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.GatewayRecipient == "" {
		return fmt.Errorf("GATEWAY_RECIPIENT_ADDRESS is required")
	}
	if c.MarketDataURL == "" {
		return fmt.Errorf("MARKET_DATA_URL is required")
	}
	if c.IsProduction() {
		if err := security.ValidateEndpointURL(c.MarketDataURL); err != nil {
			return fmt.Errorf("MARKET_DATA_URL: %w", err)
		}
	}
	if c.BudgetLimit <= 0 {
		return fmt.Errorf("BUDGET_LIMIT_USDC must be positive")
	}
	if c.MinimumOperational < 0 {
		return fmt.Errorf("MINIMUM_OPERATIONAL_USDC must be non-negative")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("CHAINS is required (JSON array of chain configs)")
	}
	for i, ch := range c.Chains {
		if ch.ChainID == 0 {
			return fmt.Errorf("CHAINS[%d]: chain_id is required", i)
		}
		if ch.RPCURL == "" {
			return fmt.Errorf("CHAINS[%d]: rpc_url is required", i)
		}
		if ch.TreasuryAddress == "" {
			return fmt.Errorf("CHAINS[%d]: treasury_address is required", i)
		}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
