// Package orchestrator consumes learner events, evaluates the rules engine
// against per-learner state under an exclusive per-learner lock, and
// durably enqueues the resulting actions in the same transaction as the
// state update.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/domain/action"
	"github.com/lumina-learning/pulse-core/domain/event"
	"github.com/lumina-learning/pulse-core/domain/learner"
	"github.com/lumina-learning/pulse-core/infrastructure/errors"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
	learnerstore "github.com/lumina-learning/pulse-core/learner"
	"github.com/lumina-learning/pulse-core/pkg/pgnotify"
	"github.com/lumina-learning/pulse-core/rules"
)

// ActionsReadyChannel is the pgnotify channel the orchestrator notifies on
// after committing new actions_outbox rows, letting the actions poller skip
// its remaining wait instead of polling on a fixed tick.
const ActionsReadyChannel = "actions_outbox_ready"

// Orchestrator consumes event topics and applies the rules engine to
// per-learner state, one event at a time per learner, skipping events
// already reflected in a learner's last_applied_event_id.
type Orchestrator struct {
	db       *sql.DB
	store    *learnerstore.Store
	engine   *rules.Engine
	logger   *logging.Logger
	metrics  *metrics.Metrics
	notifier *pgnotify.Bus
}

// New constructs an Orchestrator. db must be the same database the store's
// persister writes to, since state and action rows commit together.
func New(db *sql.DB, store *learnerstore.Store, engine *rules.Engine, logger *logging.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{db: db, store: store, engine: engine, logger: logger, metrics: m}
}

// SetNotifier attaches an optional pgnotify bus. When set, committing a
// transaction that enqueued new actions publishes a best-effort wake-up on
// ActionsReadyChannel; the actions poller remains correct without it.
func (o *Orchestrator) SetNotifier(bus *pgnotify.Bus) {
	o.notifier = bus
}

// HandleMessage decodes a learner event and applies it. It satisfies
// broker.Handler so it can be wired directly to Subscribe.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg broker.Message) error {
	var ev event.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		if o.logger != nil {
			o.logger.WithError(err).Error("orchestrator: decode event failed")
		}
		return errors.InvalidFormat("event", "valid JSON event envelope")
	}
	return o.Process(ctx, ev)
}

// Process applies a single event to its learner's state. Reprocessing an
// event whose event_id matches the learner's last_applied_event_id is a
// no-op: it returns the unchanged state without re-running the rules
// engine or re-enqueuing actions, which is what makes redelivery safe.
func (o *Orchestrator) Process(ctx context.Context, ev event.Event) (*learner.State, error) {
	enqueued := false
	result, err := o.store.Transact(ctx, o.db, ev.LearnerID, ev.TenantID, func(tx *sql.Tx, state *learner.State) (*learner.State, error) {
		if state.LastAppliedEventID == ev.EventID {
			return state, nil
		}

		outcome := o.engine.Evaluate(ev, state)

		if err := learnerstore.SaveTx(ctx, tx, outcome.State); err != nil {
			return nil, err
		}
		for _, act := range outcome.Actions {
			if err := insertActionTx(ctx, tx, act); err != nil {
				return nil, err
			}
		}
		enqueued = len(outcome.Actions) > 0
		return outcome.State, nil
	})
	if err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RecordEventProcessed("orchestrator", string(ev.EventType), "ok")
	}
	if enqueued && o.notifier != nil {
		if notifyErr := o.notifier.Publish(ctx, ActionsReadyChannel, ev.LearnerID); notifyErr != nil && o.logger != nil {
			o.logger.WithError(notifyErr).Warn("orchestrator: notify actions ready failed")
		}
	}
	return result, nil
}

func insertActionTx(ctx context.Context, tx *sql.Tx, act action.Action) error {
	payload, err := json.Marshal(act.Payload)
	if err != nil {
		return errors.Internal("marshal action payload", err)
	}
	query := `
		INSERT INTO actions_outbox
			(action_id, action_type, target_service, learner_id, tenant_id, payload, created_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (action_id) DO NOTHING
	`
	_, err = tx.ExecContext(ctx, query,
		act.ActionID, act.Type, act.TargetService, act.LearnerID, act.TenantID, payload, act.CreatedAt, act.NotBefore,
	)
	if err != nil {
		return errors.DatabaseError("insert_action_outbox", err)
	}
	return nil
}
