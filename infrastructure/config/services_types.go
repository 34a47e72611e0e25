package config

// DispatchTarget holds configuration for a single downstream service the
// orchestrator's action dispatcher can deliver actions to.
type DispatchTarget struct {
	// Enabled determines if the dispatcher will route actions to this target.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Endpoint is the base URL each action's request path is appended to.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// TimeoutSeconds bounds a single delivery attempt.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`

	// Description is a human-readable description.
	Description string `yaml:"description" json:"description"`

	// Extra holds any additional target-specific configuration.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// TargetsConfig holds the registry of all downstream dispatch targets.
type TargetsConfig struct {
	Targets map[string]*DispatchTarget `yaml:"targets" json:"targets"`
}

// IsEnabled checks if a target is enabled in the configuration.
// Returns false if the target is not found in config.
func (c *TargetsConfig) IsEnabled(targetID string) bool {
	if c == nil || c.Targets == nil {
		return false
	}
	settings, ok := c.Targets[targetID]
	if !ok {
		return false
	}
	return settings.Enabled
}

// GetTarget returns the settings for a dispatch target.
// Returns nil if the target is not found.
func (c *TargetsConfig) GetTarget(targetID string) *DispatchTarget {
	if c == nil || c.Targets == nil {
		return nil
	}
	return c.Targets[targetID]
}

// EnabledTargets returns a list of enabled target IDs.
func (c *TargetsConfig) EnabledTargets() []string {
	if c == nil || c.Targets == nil {
		return nil
	}
	var enabled []string
	for id, settings := range c.Targets {
		if settings.Enabled {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// DisabledTargets returns a list of disabled target IDs.
func (c *TargetsConfig) DisabledTargets() []string {
	if c == nil || c.Targets == nil {
		return nil
	}
	var disabled []string
	for id, settings := range c.Targets {
		if !settings.Enabled {
			disabled = append(disabled, id)
		}
	}
	return disabled
}
