package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig holds the orchestrator process's full runtime configuration.
type ServiceConfig struct {
	BrokerAddrs   []string
	ConsumerGroup string
	Topics        []string

	DatabaseURL string

	ActionPollInterval time.Duration
	ActionBatchSize    int
}

// DefaultServiceConfig returns a ServiceConfig with production defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		ConsumerGroup: "orchestrator",
		Topics: []string{
			"events.ingest",
		},
		ActionPollInterval: DefaultPollerConfig().PollInterval,
		ActionBatchSize:    DefaultPollerConfig().BatchSize,
	}
}

// LoadServiceConfigFromEnv loads the orchestrator configuration from
// ORCHESTRATOR_-prefixed environment variables, falling back to defaults.
func LoadServiceConfigFromEnv() (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	if brokers := os.Getenv("ORCHESTRATOR_BROKER_ADDRS"); brokers != "" {
		cfg.BrokerAddrs = splitCSV(brokers)
	}
	if group := os.Getenv("ORCHESTRATOR_CONSUMER_GROUP"); group != "" {
		cfg.ConsumerGroup = group
	}
	if topics := os.Getenv("ORCHESTRATOR_TOPICS"); topics != "" {
		cfg.Topics = splitCSV(topics)
	}
	if dsn := os.Getenv("ORCHESTRATOR_DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if interval := os.Getenv("ORCHESTRATOR_ACTION_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.ActionPollInterval = d
		}
	}
	if size := os.Getenv("ORCHESTRATOR_ACTION_BATCH_SIZE"); size != "" {
		if v, err := strconv.Atoi(size); err == nil {
			cfg.ActionBatchSize = v
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c *ServiceConfig) Validate() error {
	if len(c.BrokerAddrs) == 0 {
		return fmt.Errorf("ORCHESTRATOR_BROKER_ADDRS is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("ORCHESTRATOR_DATABASE_URL is required")
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
