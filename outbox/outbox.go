// Package outbox implements the transactional-outbox poller that carries
// change-data-capture rows from Postgres onto the broker.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/checkpoint"
	"github.com/lumina-learning/pulse-core/infrastructure/errors"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
)

// ConsumerName identifies this reader's checkpoint row.
const ConsumerName = "outbox-reader"

// Row is a single outbox_events record.
type Row struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventVersion  int64
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// Config controls polling cadence and batch size.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig matches the documented default batch size.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, BatchSize: 100}
}

// Reader polls outbox_events for unprocessed rows and publishes each one to
// the cdc.<aggregate_type> topic, keyed by aggregate_id.
type Reader struct {
	cfg        Config
	db         *sql.DB
	checkpoint *checkpoint.Store
	publisher  broker.Publisher
	logger     *logging.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewReader constructs an outbox Reader.
func NewReader(cfg Config, db *sql.DB, cp *checkpoint.Store, publisher broker.Publisher, logger *logging.Logger, m *metrics.Metrics) *Reader {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Reader{cfg: cfg, db: db, checkpoint: cp, publisher: publisher, logger: logger, metrics: m, stopCh: make(chan struct{})}
}

// Start begins the poll loop in a background goroutine.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("outbox reader already running")
	}
	r.running = true
	r.mu.Unlock()

	go r.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop.
func (r *Reader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		close(r.stopCh)
		r.running = false
	}
}

func (r *Reader) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Reader) pollOnce(ctx context.Context) {
	cp, err := r.checkpoint.Get(ctx, ConsumerName)
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Error("outbox: get checkpoint failed")
		}
		return
	}
	lastID := int64(0)
	if cp != nil {
		lastID = cp.LastProcessedID
	}

	rows, err := r.fetchBatch(ctx, lastID)
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Error("outbox: fetch batch failed")
		}
		return
	}
	if len(rows) == 0 {
		return
	}

	if err := r.publishAndCommit(ctx, rows); err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Error("outbox: publish and commit failed")
		}
	}
}

func (r *Reader) fetchBatch(ctx context.Context, lastID int64) ([]Row, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, event_version, payload, created_at
		FROM outbox_events
		WHERE processed_at IS NULL AND id > $1
		ORDER BY id
		LIMIT $2
	`
	result, err := r.db.QueryContext(ctx, query, lastID, r.cfg.BatchSize)
	if err != nil {
		return nil, errors.DatabaseError("fetch_outbox_batch", err)
	}
	defer result.Close()

	var rows []Row
	for result.Next() {
		var row Row
		if err := result.Scan(&row.ID, &row.AggregateType, &row.AggregateID, &row.EventVersion, &row.Payload, &row.CreatedAt); err != nil {
			return nil, errors.DatabaseError("scan_outbox_row", err)
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}

// publishAndCommit publishes every row to its cdc topic, then, only once
// every publish in the batch has succeeded, marks the rows processed and
// advances the checkpoint in a single transaction. A failure before commit
// leaves the rows eligible for re-publication; downstream consumers must be
// idempotent on aggregate_id+event_version.
func (r *Reader) publishAndCommit(ctx context.Context, rows []Row) error {
	maxID := rows[0].ID
	for _, row := range rows {
		topic := "cdc." + row.AggregateType
		if err := r.publisher.Publish(ctx, topic, row.AggregateID, row.Payload); err != nil {
			if r.metrics != nil {
				r.metrics.RecordKafkaWrite("outbox-reader", topic, "error")
			}
			return errors.Internal("publish outbox row", err)
		}
		if r.metrics != nil {
			r.metrics.RecordKafkaWrite("outbox-reader", topic, "ok")
		}
		if row.ID > maxID {
			maxID = row.ID
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("begin_outbox_commit", err)
	}
	defer tx.Rollback()

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET processed_at = now() WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return errors.DatabaseError("mark_outbox_processed", err)
	}

	if err := r.checkpoint.AdvanceTx(ctx, tx, ConsumerName, maxID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("commit_outbox_batch", err)
	}
	return nil
}
