package config

// ServiceSettings holds configuration for a single declared component from
// services.yaml: whether it participates in the readiness gate, its
// heartbeat freshness threshold, and an optional diagnostics port.
type ServiceSettings struct {
	// Enabled determines if the component is part of the readiness gate.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ThresholdSec is the heartbeat age, in seconds, beyond which the
	// component is considered degraded (age > threshold) and beyond 2x
	// which it is considered failed.
	ThresholdSec float64 `yaml:"threshold_sec" json:"threshold_sec"`

	// Port is an optional diagnostics HTTP port; zero means none.
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// Description is a human-readable description.
	Description string `yaml:"description" json:"description"`

	// Extra holds any additional component-specific configuration.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// ServicesConfig holds configuration for all declared components.
type ServicesConfig struct {
	Services map[string]*ServiceSettings `yaml:"services" json:"services"`
}

// IsEnabled checks if a component is enabled in the configuration.
// Returns false if the component is not found in config.
func (c *ServicesConfig) IsEnabled(serviceID string) bool {
	if c == nil || c.Services == nil {
		return false
	}
	settings, ok := c.Services[serviceID]
	if !ok {
		return false
	}
	return settings.Enabled
}

// GetSettings returns the settings for a component.
// Returns nil if the component is not found.
func (c *ServicesConfig) GetSettings(serviceID string) *ServiceSettings {
	if c == nil || c.Services == nil {
		return nil
	}
	return c.Services[serviceID]
}

// EnabledServices returns a list of enabled component IDs.
func (c *ServicesConfig) EnabledServices() []string {
	if c == nil || c.Services == nil {
		return nil
	}
	var enabled []string
	for id, settings := range c.Services {
		if settings.Enabled {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// DisabledServices returns a list of disabled component IDs.
func (c *ServicesConfig) DisabledServices() []string {
	if c == nil || c.Services == nil {
		return nil
	}
	var disabled []string
	for id, settings := range c.Services {
		if !settings.Enabled {
			disabled = append(disabled, id)
		}
	}
	return disabled
}
