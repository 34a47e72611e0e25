package collector

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig holds the collector process's full runtime configuration.
type ServiceConfig struct {
	ListenAddr string

	BrokerAddrs []string
	SpoolDir    string
	SpoolMaxAge time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
}

// DefaultServiceConfig returns a ServiceConfig with production defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		ListenAddr:         ":8080",
		SpoolDir:           "/var/lib/pulse-collector/spool",
		SpoolMaxAge:        30 * time.Minute,
		RateLimitPerMinute: 100,
		RateLimitBurst:     10,
	}
}

// LoadServiceConfigFromEnv loads the collector configuration from
// COLLECTOR_-prefixed environment variables, falling back to defaults.
func LoadServiceConfigFromEnv() (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	if addr := os.Getenv("COLLECTOR_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if brokers := os.Getenv("COLLECTOR_BROKER_ADDRS"); brokers != "" {
		cfg.BrokerAddrs = splitCSV(brokers)
	}
	if dir := os.Getenv("COLLECTOR_SPOOL_DIR"); dir != "" {
		cfg.SpoolDir = dir
	}
	if age := os.Getenv("COLLECTOR_SPOOL_MAX_AGE"); age != "" {
		if d, err := time.ParseDuration(age); err == nil {
			cfg.SpoolMaxAge = d
		}
	}
	if rpm := os.Getenv("COLLECTOR_RATE_LIMIT_PER_MINUTE"); rpm != "" {
		if v, err := strconv.Atoi(rpm); err == nil {
			cfg.RateLimitPerMinute = v
		}
	}
	if burst := os.Getenv("COLLECTOR_RATE_LIMIT_BURST"); burst != "" {
		if v, err := strconv.Atoi(burst); err == nil {
			cfg.RateLimitBurst = v
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c *ServiceConfig) Validate() error {
	if len(c.BrokerAddrs) == 0 {
		return fmt.Errorf("COLLECTOR_BROKER_ADDRS is required")
	}
	if c.SpoolDir == "" {
		return fmt.Errorf("COLLECTOR_SPOOL_DIR is required")
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("rate limit per minute must be positive")
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
