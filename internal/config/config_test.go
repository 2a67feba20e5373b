package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "non-existent.env")
	t.Setenv("CQ_ROOT", "")
	t.Setenv("DRY_RUN", "")
	t.Setenv("SIMULATION_MODE", "")
	t.Setenv("MAX_POSITION_USDT", "")
	t.Setenv("MAX_TOTAL_EXPOSURE_USDT", "")
	t.Setenv("MAX_DAILY_LOSS_PCT", "")
	t.Setenv("FEEDER_TTL", "")
	t.Setenv("TRADER_TTL", "")
	t.Setenv("ARES_TTL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxPositionUSDT != 5000.0 {
		t.Errorf("expected default MaxPositionUSDT 5000, got %v", cfg.MaxPositionUSDT)
	}
	if cfg.FeederTTL != 30*time.Second {
		t.Errorf("expected default FeederTTL 30s, got %v", cfg.FeederTTL)
	}
	if cfg.TraderTTL != 300*time.Second {
		t.Errorf("expected default TraderTTL 300s, got %v", cfg.TraderTTL)
	}
	if cfg.AresTTL != 75*time.Second {
		t.Errorf("expected default AresTTL 75s, got %v", cfg.AresTTL)
	}
	if cfg.DryRun || cfg.SimulationMode {
		t.Error("expected DryRun and SimulationMode false by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "non-existent.env")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("MAX_POSITION_USDT", "1234.5")
	t.Setenv("FEEDER_TTL", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.DryRun {
		t.Error("expected DryRun true")
	}
	if cfg.MaxPositionUSDT != 1234.5 {
		t.Errorf("expected MaxPositionUSDT override 1234.5, got %v", cfg.MaxPositionUSDT)
	}
	if cfg.FeederTTL != 15*time.Second {
		t.Errorf("expected FeederTTL override 15s, got %v", cfg.FeederTTL)
	}
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	cfg := &Config{
		MaxPositionUSDT:      0,
		MaxTotalExposureUSDT: 1,
		MaxDailyLossPct:      1,
		FeederTTL:            time.Second,
		TraderTTL:            time.Second,
		AresTTL:              time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero MaxPositionUSDT")
	}
}

func TestValidateAcceptsSaneConfig(t *testing.T) {
	cfg := &Config{
		MaxPositionUSDT:      5000,
		MaxTotalExposureUSDT: 20000,
		MaxDailyLossPct:      5,
		FeederTTL:            30 * time.Second,
		TraderTTL:            300 * time.Second,
		AresTTL:              75 * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateRejectsInvalidDailyLossPct(t *testing.T) {
	cfg := &Config{
		MaxPositionUSDT:      5000,
		MaxTotalExposureUSDT: 20000,
		MaxDailyLossPct:      150,
		FeederTTL:            30 * time.Second,
		TraderTTL:            300 * time.Second,
		AresTTL:              75 * time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for MaxDailyLossPct > 100")
	}
}
