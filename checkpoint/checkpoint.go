// Package checkpoint provides the shared Postgres-backed progress tracker
// used by the OutboxReader and Indexer consumers.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lumina-learning/pulse-core/infrastructure/errors"
)

// Record is a single consumer's monotonic progress marker.
type Record struct {
	ConsumerName    string
	LastProcessedID int64
	UpdatedAt       time.Time
}

// Store persists checkpoint records in the cdc_checkpoint table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves the current checkpoint for a consumer, or (nil, nil) if the
// consumer has never advanced.
func (s *Store) Get(ctx context.Context, consumerName string) (*Record, error) {
	query := `
		SELECT consumer_name, last_processed_id, updated_at
		FROM cdc_checkpoint WHERE consumer_name = $1
	`
	rec := &Record{}
	err := s.db.QueryRowContext(ctx, query, consumerName).Scan(
		&rec.ConsumerName, &rec.LastProcessedID, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("get_checkpoint", err)
	}
	return rec, nil
}

// Advance upserts the checkpoint to newID, refusing to move it backwards.
// A backwards move indicates checkpoint corruption and is treated as an
// integrity violation per the fatal-on-startup policy.
func (s *Store) Advance(ctx context.Context, consumerName string, newID int64) error {
	current, err := s.Get(ctx, consumerName)
	if err != nil {
		return err
	}
	if current != nil && newID < current.LastProcessedID {
		return errors.IntegrityViolation(fmt.Sprintf(
			"checkpoint for %s would move backwards from %d to %d",
			consumerName, current.LastProcessedID, newID,
		))
	}

	query := `
		INSERT INTO cdc_checkpoint (consumer_name, last_processed_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_name) DO UPDATE SET
			last_processed_id = EXCLUDED.last_processed_id,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, consumerName, newID, time.Now().UTC()); err != nil {
		return errors.DatabaseError("advance_checkpoint", err)
	}
	return nil
}

// AdvanceTx is the transactional variant of Advance, used when the
// checkpoint must move atomically with other row updates (C4's
// processed_at transition).
func (s *Store) AdvanceTx(ctx context.Context, tx *sql.Tx, consumerName string, newID int64) error {
	query := `
		INSERT INTO cdc_checkpoint (consumer_name, last_processed_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_name) DO UPDATE SET
			last_processed_id = EXCLUDED.last_processed_id,
			updated_at = EXCLUDED.updated_at
		WHERE cdc_checkpoint.last_processed_id <= EXCLUDED.last_processed_id
	`
	if _, err := tx.ExecContext(ctx, query, consumerName, newID, time.Now().UTC()); err != nil {
		return errors.DatabaseError("advance_checkpoint_tx", err)
	}
	return nil
}
