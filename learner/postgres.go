package learner

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lumina-learning/pulse-core/domain/learner"
	"github.com/lumina-learning/pulse-core/infrastructure/errors"
)

// Persister durably stores learner state. Store write-through persists via
// this interface on every Apply; Postgres is the only production
// implementation but tests substitute an in-memory one.
type Persister interface {
	Load(ctx context.Context, learnerID string) (*learner.State, error)
	Save(ctx context.Context, state *learner.State) error
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting Load/Save run
// standalone or as part of a caller-managed transaction (the orchestrator
// persists state and its action intents in one transaction via LoadTx/SaveTx).
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresPersister stores learner state as a JSONB blob in learner_state,
// together with its version column. The upsert overwrites the row without
// comparing versions.
type PostgresPersister struct {
	db *sql.DB
}

// NewPostgresPersister wraps an existing database handle.
func NewPostgresPersister(db *sql.DB) *PostgresPersister {
	return &PostgresPersister{db: db}
}

// Load fetches a learner's state, or (nil, nil) if none has been written yet.
func (p *PostgresPersister) Load(ctx context.Context, learnerID string) (*learner.State, error) {
	return LoadTx(ctx, p.db, learnerID)
}

// Save upserts the full state row, writing state.Version as given
// (Store.Apply advances it before calling Save).
func (p *PostgresPersister) Save(ctx context.Context, state *learner.State) error {
	return SaveTx(ctx, p.db, state)
}

// LoadTx is the transaction-capable variant of Load.
func LoadTx(ctx context.Context, ex execer, learnerID string) (*learner.State, error) {
	query := `
		SELECT tenant_id, state, last_applied_event_id, version, updated_at
		FROM learner_state WHERE learner_id = $1
	`
	var tenantID, lastEventID string
	var raw []byte
	var version int64
	var updatedAt time.Time

	err := ex.QueryRowContext(ctx, query, learnerID).Scan(&tenantID, &raw, &lastEventID, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("load_learner_state", err)
	}

	state := learner.NewState(learnerID, tenantID)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, errors.IntegrityViolation("learner_state JSON decode failed for " + learnerID)
	}
	state.LearnerID = learnerID
	state.TenantID = tenantID
	state.LastAppliedEventID = lastEventID
	state.Version = version
	state.UpdatedAt = updatedAt
	return state, nil
}

// SaveTx is the transaction-capable variant of Save.
func SaveTx(ctx context.Context, ex execer, state *learner.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Internal("marshal learner state", err)
	}

	query := `
		INSERT INTO learner_state (learner_id, tenant_id, state, last_applied_event_id, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (learner_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			state = EXCLUDED.state,
			last_applied_event_id = EXCLUDED.last_applied_event_id,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`
	_, err = ex.ExecContext(ctx, query,
		state.LearnerID, state.TenantID, raw, state.LastAppliedEventID, state.Version, state.UpdatedAt,
	)
	if err != nil {
		return errors.DatabaseError("save_learner_state", err)
	}
	return nil
}
