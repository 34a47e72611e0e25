package search

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/checkpoint"
	"github.com/lumina-learning/pulse-core/infrastructure/errors"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
)

const indexerDLQTopic = "cdc.index.dlq"

// ChangeRow is the decoded payload of one cdc.<aggregate_type> message.
type ChangeRow struct {
	AggregateID string                 `json:"aggregate_id"`
	EventType   string                 `json:"event_type"`
	Data        map[string]interface{} `json:"data"`
}

// Config controls bulk batching thresholds and role policy.
type Config struct {
	FlushSize     int
	FlushInterval time.Duration
	NumWorkers    int
	AudienceRoles []string
}

// DefaultConfig matches the documented size/time flush thresholds.
func DefaultConfig() Config {
	return Config{
		FlushSize:     500,
		FlushInterval: 5 * time.Second,
		NumWorkers:    2,
		AudienceRoles: []string{"teacher", "parent", "admin", "student"},
	}
}

// Indexer consumes cdc.* topics, transforms and access-filters each row,
// and bulk-writes the result into the search engine.
type Indexer struct {
	cfg        Config
	policy     Policy
	es         *elasticsearch.Client
	checkpoint *checkpoint.Store
	dlq        broker.Publisher
	logger     *logging.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	pending []pendingItem
}

type pendingItem struct {
	aggregateType string
	row           ChangeRow
}

// NewIndexer constructs an Indexer against an existing Elasticsearch client.
func NewIndexer(cfg Config, policy Policy, es *elasticsearch.Client, cp *checkpoint.Store, dlq broker.Publisher, logger *logging.Logger, m *metrics.Metrics) *Indexer {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = DefaultConfig().FlushSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultConfig().NumWorkers
	}
	if len(cfg.AudienceRoles) == 0 {
		cfg.AudienceRoles = DefaultConfig().AudienceRoles
	}
	return &Indexer{cfg: cfg, policy: policy, es: es, checkpoint: cp, dlq: dlq, logger: logger, metrics: m}
}

// HandleMessage is the broker.Handler for a cdc.<aggregate_type> topic. It
// accumulates messages and triggers a flush once FlushSize is reached;
// FlushInterval-based flushing is driven by Run's ticker.
func (ix *Indexer) HandleMessage(ctx context.Context, msg broker.Message) error {
	aggregateType := aggregateTypeFromTopic(msg.Topic)

	var row ChangeRow
	if err := json.Unmarshal(msg.Value, &row); err != nil {
		return errors.IntegrityViolation("cdc message payload decode failed for " + msg.Topic)
	}
	if row.AggregateID == "" {
		row.AggregateID = msg.Key
	}

	ix.mu.Lock()
	ix.pending = append(ix.pending, pendingItem{aggregateType: aggregateType, row: row})
	shouldFlush := len(ix.pending) >= ix.cfg.FlushSize
	ix.mu.Unlock()

	if shouldFlush {
		return ix.Flush(ctx)
	}
	return nil
}

func aggregateTypeFromTopic(topic string) string {
	const prefix = "cdc."
	if len(topic) > len(prefix) && topic[:len(prefix)] == prefix {
		return topic[len(prefix):]
	}
	return topic
}

// Run drives the time-based flush on cfg.FlushInterval until ctx is
// cancelled.
func (ix *Indexer) Run(ctx context.Context) {
	ticker := time.NewTicker(ix.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ix.Flush(context.Background())
			return
		case <-ticker.C:
			_ = ix.Flush(ctx)
		}
	}
}

// Flush drains the pending buffer through Transform -> AccessFilter ->
// bulk index, with a single split-and-retry pass for partial bulk
// failures; items still failing after the retry go to the index DLQ.
func (ix *Indexer) Flush(ctx context.Context) error {
	ix.mu.Lock()
	batch := ix.pending
	ix.pending = nil
	ix.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	failed, err := ix.bulkWrite(ctx, batch)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		stillFailed, err := ix.bulkWrite(ctx, failed)
		if err != nil {
			return err
		}
		for _, item := range stillFailed {
			ix.routeToDLQ(ctx, item, "bulk index failed after retry")
		}
	}
	return nil
}

func (ix *Indexer) bulkWrite(ctx context.Context, batch []pendingItem) ([]pendingItem, error) {
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     ix.es,
		NumWorkers: ix.cfg.NumWorkers,
	})
	if err != nil {
		return nil, errors.Internal("construct bulk indexer", err)
	}

	var mu sync.Mutex
	var failed []pendingItem

	for _, item := range batch {
		item := item
		if item.row.EventType == "DELETE" {
			err := bi.Add(ctx, esutil.BulkIndexerItem{
				Action:     "delete",
				Index:      indexName(item.aggregateType),
				DocumentID: item.row.AggregateID,
				OnFailure: func(ctx context.Context, bii esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
					mu.Lock()
					failed = append(failed, item)
					mu.Unlock()
				},
			})
			if err != nil {
				mu.Lock()
				failed = append(failed, item)
				mu.Unlock()
			}
			continue
		}

		doc := Transform(item.aggregateType, item.row.AggregateID, item.row.Data)
		// The indexer writes one stored document per aggregate, so field
		// masking is computed against the configured audience itself: a
		// field only survives unmasked if every role allowed to read the
		// document back is also cleared for it.
		filtered := ix.policy.Apply(doc, ix.cfg.AudienceRoles, ix.cfg.AudienceRoles)
		if filtered == nil {
			if ix.metrics != nil {
				ix.metrics.RecordIndexSkip("indexer", indexName(item.aggregateType))
			}
			continue
		}

		body, err := json.Marshal(filtered)
		if err != nil {
			mu.Lock()
			failed = append(failed, item)
			mu.Unlock()
			continue
		}

		addErr := bi.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			Index:      indexName(item.aggregateType),
			DocumentID: item.row.AggregateID,
			Body:       bytes.NewReader(body),
			OnFailure: func(ctx context.Context, bii esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				mu.Lock()
				failed = append(failed, item)
				mu.Unlock()
			},
		})
		if addErr != nil {
			mu.Lock()
			failed = append(failed, item)
			mu.Unlock()
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, errors.Internal("close bulk indexer", err)
	}

	stats := bi.Stats()
	if ix.metrics != nil {
		if stats.NumIndexed > 0 {
			ix.metrics.RecordIndexWrite("indexer", "bulk", "index", "ok")
		}
		if stats.NumFailed > 0 {
			ix.metrics.RecordIndexWrite("indexer", "bulk", "index", "partial_failure")
		}
	}

	return failed, nil
}

func indexName(aggregateType string) string {
	switch aggregateType {
	case "learner", "learner_profile":
		return "learners"
	case "lesson":
		return "lessons"
	case "assessment":
		return "assessments"
	default:
		return aggregateType
	}
}

func (ix *Indexer) routeToDLQ(ctx context.Context, item pendingItem, reason string) {
	envelope := map[string]interface{}{
		"reason":         reason,
		"aggregate_type": item.aggregateType,
		"row":            item.row,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if ix.dlq != nil {
		if pubErr := ix.dlq.Publish(ctx, indexerDLQTopic, item.row.AggregateID, payload); pubErr != nil && ix.logger != nil {
			ix.logger.WithError(pubErr).Error("indexer: publish to DLQ failed")
		}
	}
	if ix.metrics != nil {
		ix.metrics.RecordDLQEvent("indexer", indexerDLQTopic, reason)
	}
}
