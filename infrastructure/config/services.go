package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadTargetsConfig loads the dispatch targets configuration from config/targets.yaml
func LoadTargetsConfig() (*TargetsConfig, error) {
	return LoadTargetsConfigFromPath(filepath.Join("config", "targets.yaml"))
}

// LoadTargetsConfigFromPath loads the dispatch targets configuration from a specific path
func LoadTargetsConfigFromPath(path string) (*TargetsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets config: %w", err)
	}

	var cfg TargetsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse targets config: %w", err)
	}

	for id, settings := range cfg.Targets {
		if settings.Endpoint == "" {
			return nil, fmt.Errorf("target %s: endpoint is required", id)
		}
	}

	return &cfg, nil
}

// LoadTargetsConfigOrDefault loads the targets config or returns an empty
// registry if the file is not found. Dispatch targets are expected to be
// provisioned per-deployment; there is no meaningful built-in default.
func LoadTargetsConfigOrDefault() *TargetsConfig {
	cfg, err := LoadTargetsConfig()
	if err != nil {
		return &TargetsConfig{Targets: map[string]*DispatchTarget{}}
	}
	return cfg
}
