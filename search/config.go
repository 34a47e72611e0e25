package search

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig holds the indexer process's full runtime configuration.
type ServiceConfig struct {
	BrokerAddrs  []string
	ConsumerGroup string
	Topics        []string

	ElasticsearchAddrs []string

	DatabaseURL string

	FlushSize     int
	FlushInterval time.Duration
	NumWorkers    int
	AudienceRoles []string
}

// DefaultServiceConfig returns a ServiceConfig with production defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		ConsumerGroup: "indexer",
		Topics:        []string{"cdc.learner_profile", "cdc.lesson", "cdc.assessment"},
		FlushSize:     DefaultConfig().FlushSize,
		FlushInterval: DefaultConfig().FlushInterval,
		NumWorkers:    DefaultConfig().NumWorkers,
		AudienceRoles: DefaultConfig().AudienceRoles,
	}
}

// LoadServiceConfigFromEnv loads the indexer configuration from
// INDEXER_-prefixed environment variables, falling back to defaults.
func LoadServiceConfigFromEnv() (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	if brokers := os.Getenv("INDEXER_BROKER_ADDRS"); brokers != "" {
		cfg.BrokerAddrs = splitCSV(brokers)
	}
	if group := os.Getenv("INDEXER_CONSUMER_GROUP"); group != "" {
		cfg.ConsumerGroup = group
	}
	if topics := os.Getenv("INDEXER_TOPICS"); topics != "" {
		cfg.Topics = splitCSV(topics)
	}
	if es := os.Getenv("INDEXER_ELASTICSEARCH_ADDRS"); es != "" {
		cfg.ElasticsearchAddrs = splitCSV(es)
	}
	if dsn := os.Getenv("INDEXER_DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if size := os.Getenv("INDEXER_FLUSH_SIZE"); size != "" {
		if v, err := strconv.Atoi(size); err == nil {
			cfg.FlushSize = v
		}
	}
	if interval := os.Getenv("INDEXER_FLUSH_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.FlushInterval = d
		}
	}
	if roles := os.Getenv("INDEXER_AUDIENCE_ROLES"); roles != "" {
		cfg.AudienceRoles = splitCSV(roles)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c *ServiceConfig) Validate() error {
	if len(c.BrokerAddrs) == 0 {
		return fmt.Errorf("INDEXER_BROKER_ADDRS is required")
	}
	if len(c.ElasticsearchAddrs) == 0 {
		return fmt.Errorf("INDEXER_ELASTICSEARCH_ADDRS is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("INDEXER_DATABASE_URL is required")
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
