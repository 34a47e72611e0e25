package outbox

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig holds the outbox reader process's full runtime configuration.
type ServiceConfig struct {
	BrokerAddrs []string
	DatabaseURL string

	PollInterval time.Duration
	BatchSize    int
}

// DefaultServiceConfig returns a ServiceConfig with production defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		PollInterval: DefaultConfig().PollInterval,
		BatchSize:    DefaultConfig().BatchSize,
	}
}

// LoadServiceConfigFromEnv loads the outbox reader configuration from
// OUTBOX_-prefixed environment variables, falling back to defaults.
func LoadServiceConfigFromEnv() (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	if brokers := os.Getenv("OUTBOX_BROKER_ADDRS"); brokers != "" {
		cfg.BrokerAddrs = splitCSV(brokers)
	}
	if dsn := os.Getenv("OUTBOX_DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if interval := os.Getenv("OUTBOX_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.PollInterval = d
		}
	}
	if size := os.Getenv("OUTBOX_BATCH_SIZE"); size != "" {
		if v, err := strconv.Atoi(size); err == nil {
			cfg.BatchSize = v
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c *ServiceConfig) Validate() error {
	if len(c.BrokerAddrs) == 0 {
		return fmt.Errorf("OUTBOX_BROKER_ADDRS is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("OUTBOX_DATABASE_URL is required")
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
