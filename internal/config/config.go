// Package config loads the environment variables that govern risk limits,
// freshness thresholds, and the simulation/dry-run guard, per §6.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	cqruntime "github.com/cryptoquant-io/coretrader/infrastructure/runtime"
)

// Config holds every environment variable the core recognizes.
type Config struct {
	Env cqruntime.Environment

	// Root override; the authoritative resolution still happens in the ssot
	// package, this is kept for logging/diagnostics.
	CQRoot string

	// Admission gate G6.
	DryRun         bool
	SimulationMode bool

	// Risk gate G3.
	MaxPositionUSDT       float64
	MaxTotalExposureUSDT  float64
	MaxDailyLossPct       float64

	// Health freshness thresholds (§4.C/§4.F).
	FeederTTL time.Duration
	TraderTTL time.Duration
	AresTTL   time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file (via CONFIG_FILE or ./.env) and then the
// process environment, applying the documented defaults for anything unset.
func Load() (*Config, error) {
	envFile := getEnv("CONFIG_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: could not load %s: %v\n", envFile, err)
		}
	}

	cfg := &Config{Env: cqruntime.Env()}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.CQRoot = getEnv("CQ_ROOT", "")

	c.DryRun = getBoolEnv("DRY_RUN", false)
	c.SimulationMode = getBoolEnv("SIMULATION_MODE", false)

	var err error
	c.MaxPositionUSDT, err = getFloatEnv("MAX_POSITION_USDT", 5000.0)
	if err != nil {
		return fmt.Errorf("invalid MAX_POSITION_USDT: %w", err)
	}
	c.MaxTotalExposureUSDT, err = getFloatEnv("MAX_TOTAL_EXPOSURE_USDT", 20000.0)
	if err != nil {
		return fmt.Errorf("invalid MAX_TOTAL_EXPOSURE_USDT: %w", err)
	}
	c.MaxDailyLossPct, err = getFloatEnv("MAX_DAILY_LOSS_PCT", 5.0)
	if err != nil {
		return fmt.Errorf("invalid MAX_DAILY_LOSS_PCT: %w", err)
	}

	c.FeederTTL, err = getDurationSecEnv("FEEDER_TTL", 30*time.Second)
	if err != nil {
		return fmt.Errorf("invalid FEEDER_TTL: %w", err)
	}
	c.TraderTTL, err = getDurationSecEnv("TRADER_TTL", 300*time.Second)
	if err != nil {
		return fmt.Errorf("invalid TRADER_TTL: %w", err)
	}
	c.AresTTL, err = getDurationSecEnv("ARES_TTL", 75*time.Second)
	if err != nil {
		return fmt.Errorf("invalid ARES_TTL: %w", err)
	}

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	return nil
}

// Validate enforces the invariants that must hold before a service process
// starts trading. A production process with zero-valued risk limits is a
// misconfiguration, not a permissive default.
func (c *Config) Validate() error {
	if c.MaxPositionUSDT <= 0 {
		return fmt.Errorf("MAX_POSITION_USDT must be positive")
	}
	if c.MaxTotalExposureUSDT <= 0 {
		return fmt.Errorf("MAX_TOTAL_EXPOSURE_USDT must be positive")
	}
	if c.MaxDailyLossPct <= 0 || c.MaxDailyLossPct > 100 {
		return fmt.Errorf("MAX_DAILY_LOSS_PCT must be in (0, 100]")
	}
	if c.FeederTTL <= 0 || c.TraderTTL <= 0 || c.AresTTL <= 0 {
		return fmt.Errorf("service TTLs must be positive")
	}

	if c.Env == cqruntime.Production && !cqruntime.StrictIdentityMode() {
		return fmt.Errorf("production environment requires CQ_STRICT_MODE=true")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	return cqruntime.ParseBoolValue(raw)
}

func getFloatEnv(key string, defaultValue float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func getDurationSecEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
