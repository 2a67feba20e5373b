package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadServicesConfig loads the declared component registry from
// config/services.yaml.
func LoadServicesConfig() (*ServicesConfig, error) {
	return LoadServicesConfigFromPath(filepath.Join("config", "services.yaml"))
}

// LoadServicesConfigFromPath loads the declared component registry from a
// specific path.
func LoadServicesConfigFromPath(path string) (*ServicesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services config: %w", err)
	}

	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse services config: %w", err)
	}

	for id, settings := range cfg.Services {
		if settings.ThresholdSec <= 0 {
			return nil, fmt.Errorf("service %s: threshold_sec must be positive", id)
		}
	}

	return &cfg, nil
}

// LoadServicesConfigOrDefault loads the services config or returns the
// built-in default registry if the file can't be read.
func LoadServicesConfigOrDefault() *ServicesConfig {
	cfg, err := LoadServicesConfig()
	if err != nil {
		return DefaultServicesConfig()
	}
	return cfg
}

// DefaultServicesConfig returns the default declared component registry:
// the feeder, trader, user-data-stream, ares, and autoheal components, each
// with the heartbeat freshness threshold used to derive its health status.
func DefaultServicesConfig() *ServicesConfig {
	return &ServicesConfig{
		Services: map[string]*ServiceSettings{
			"feeder": {
				Enabled:      true,
				ThresholdSec: 30,
				Description:  "market data feed writer",
			},
			"trader": {
				Enabled:      true,
				ThresholdSec: 300,
				Description:  "order placement and position management",
			},
			"uds": {
				Enabled:      true,
				ThresholdSec: 60,
				Description:  "exchange user-data-stream listener",
			},
			"ares": {
				Enabled:      true,
				ThresholdSec: 75,
				Description:  "risk and account reconciliation service",
			},
			"autoheal": {
				Enabled:      true,
				ThresholdSec: 60,
				Description:  "health assessor and recovery controller",
			},
		},
	}
}
