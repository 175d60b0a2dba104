package config

import (
	"testing"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

const testKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("GATEWAY_RECIPIENT_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("MARKET_DATA_URL", "https://data.example.com")
	t.Setenv("CHAINS", `[{"chain_id":8453,"rpc_url":"https://mainnet.base.org","treasury_address":"0x2222222222222222222222222222222222222222"}]`)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BudgetLimit != usdc.FromUSDC(10) {
		t.Errorf("BudgetLimit = %d, want 10 USDC", cfg.BudgetLimit)
	}
	if cfg.MinimumOperational != usdc.FromUSDC(0.05) {
		t.Errorf("MinimumOperational = %d, want 0.05 USDC", cfg.MinimumOperational)
	}
	if cfg.CronExpression != "*/15 * * * *" {
		t.Errorf("CronExpression = %q", cfg.CronExpression)
	}
	if cfg.ConfirmationBlocks != 3 {
		t.Errorf("ConfirmationBlocks = %d", cfg.ConfirmationBlocks)
	}
	if cfg.InvoiceTTL != 15*time.Minute {
		t.Errorf("InvoiceTTL = %v", cfg.InvoiceTTL)
	}
	if cfg.SettlementPoll != 5*time.Second {
		t.Errorf("SettlementPoll = %v", cfg.SettlementPoll)
	}
	if cfg.RunTimeout != 5*time.Minute {
		t.Errorf("RunTimeout = %v", cfg.RunTimeout)
	}
	if cfg.Cooldown != 5*time.Minute {
		t.Errorf("Cooldown = %v", cfg.Cooldown)
	}
	if cfg.USDCBaseAddress != DefaultUSDCBaseAddress {
		t.Errorf("USDCBaseAddress = %q", cfg.USDCBaseAddress)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("BUDGET_LIMIT_USDC", "2.5")
	t.Setenv("COOLDOWN_MINUTES", "1")
	t.Setenv("CONFIRMATION_BLOCKS", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BudgetLimit != usdc.FromUSDC(2.5) {
		t.Errorf("BudgetLimit = %d", cfg.BudgetLimit)
	}
	if cfg.Cooldown != time.Minute {
		t.Errorf("Cooldown = %v", cfg.Cooldown)
	}
	if cfg.ConfirmationBlocks != 6 {
		t.Errorf("ConfirmationBlocks = %d", cfg.ConfirmationBlocks)
	}
}

func TestLoad_RiskInputs(t *testing.T) {
	setRequired(t)
	t.Setenv("RISK_INPUTS", `{"projected_outflows_usd":500000,"lcr_threshold":1.2,"participation_rate":0.1,"stable_symbols":["USDC"]}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RiskInputs.ProjectedOutflowsUSD != 500000 {
		t.Errorf("ProjectedOutflowsUSD = %v", cfg.RiskInputs.ProjectedOutflowsUSD)
	}
	if cfg.RiskInputs.ParticipationRate != 0.1 {
		t.Errorf("ParticipationRate = %v", cfg.RiskInputs.ParticipationRate)
	}
	if len(cfg.RiskInputs.StableSymbols) != 1 || cfg.RiskInputs.StableSymbols[0] != "USDC" {
		t.Errorf("StableSymbols = %v", cfg.RiskInputs.StableSymbols)
	}

	t.Setenv("RISK_INPUTS", "not json")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed RISK_INPUTS")
	}
}

func TestLoad_MissingPrivateKey(t *testing.T) {
	setRequired(t)
	t.Setenv("PRIVATE_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing PRIVATE_KEY")
	}
}

func TestLoad_ShortPrivateKey(t *testing.T) {
	setRequired(t)
	t.Setenv("PRIVATE_KEY", "abc123")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for short PRIVATE_KEY")
	}
}

func TestLoad_ProductionRejectsPrivateMarketDataURL(t *testing.T) {
	setRequired(t)
	t.Setenv("ENV", "production")
	t.Setenv("MARKET_DATA_URL", "https://10.0.0.5/feed")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for private market data URL in production")
	}
}

func TestLoad_BadChainsJSON(t *testing.T) {
	setRequired(t)
	t.Setenv("CHAINS", "not json")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed CHAINS")
	}
}

func TestLoad_ChainMissingRPC(t *testing.T) {
	setRequired(t)
	t.Setenv("CHAINS", `[{"chain_id":1,"treasury_address":"0x2222222222222222222222222222222222222222"}]`)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for chain without rpc_url")
	}
}
