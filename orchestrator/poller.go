package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lumina-learning/pulse-core/dispatch"
	"github.com/lumina-learning/pulse-core/domain/action"
	"github.com/lumina-learning/pulse-core/infrastructure/errors"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/pkg/pgnotify"
)

// PollerConfig controls the actions_outbox poll cadence and batch size.
type PollerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultPollerConfig matches the outbox reader's documented defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{PollInterval: 2 * time.Second, BatchSize: 100}
}

// Poller reads durably-queued actions from actions_outbox and hands each
// one to the dispatcher, marking it delivered only once the dispatcher has
// accepted responsibility for it (terminal success or DLQ routing).
type Poller struct {
	cfg        PollerConfig
	db         *sql.DB
	dispatcher *dispatch.Dispatcher
	logger     *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewPoller constructs an actions_outbox Poller.
func NewPoller(cfg PollerConfig, db *sql.DB, dispatcher *dispatch.Dispatcher, logger *logging.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollerConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPollerConfig().BatchSize
	}
	return &Poller{cfg: cfg, db: db, dispatcher: dispatcher, logger: logger, stopCh: make(chan struct{})}
}

// SubscribeNotifier registers the poller against the orchestrator's wake-up
// channel so a newly enqueued action is picked up without waiting for the
// next tick. The poll loop still runs regardless, so this is an optional
// latency optimization, not a correctness requirement.
func (p *Poller) SubscribeNotifier(ctx context.Context, bus *pgnotify.Bus) error {
	return bus.Subscribe(ActionsReadyChannel, func(notifyCtx context.Context, _ pgnotify.Event) error {
		p.pollOnce(ctx)
		return nil
	})
}

// Start begins the poll loop in a background goroutine.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("actions outbox poller already running")
	}
	p.running = true
	p.mu.Unlock()

	go p.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		close(p.stopCh)
		p.running = false
	}
}

func (p *Poller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	rows, err := p.fetchPending(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.WithError(err).Error("actions outbox: fetch pending failed")
		}
		return
	}
	for _, act := range rows {
		p.deliver(ctx, act)
	}
}

func (p *Poller) fetchPending(ctx context.Context) ([]action.Action, error) {
	query := `
		SELECT action_id, action_type, target_service, learner_id, tenant_id, payload, created_at, not_before
		FROM actions_outbox
		WHERE delivered_at IS NULL AND (not_before IS NULL OR not_before <= now())
		ORDER BY created_at
		LIMIT $1
	`
	result, err := p.db.QueryContext(ctx, query, p.cfg.BatchSize)
	if err != nil {
		return nil, errors.DatabaseError("fetch_pending_actions", err)
	}
	defer result.Close()

	var out []action.Action
	for result.Next() {
		var act action.Action
		var payload []byte
		var notBefore sql.NullTime
		if err := result.Scan(&act.ActionID, &act.Type, &act.TargetService, &act.LearnerID, &act.TenantID, &payload, &act.CreatedAt, &notBefore); err != nil {
			return nil, errors.DatabaseError("scan_action_row", err)
		}
		if err := json.Unmarshal(payload, &act.Payload); err != nil {
			return nil, errors.IntegrityViolation("actions_outbox payload JSON decode failed for " + act.ActionID)
		}
		if notBefore.Valid {
			act.NotBefore = &notBefore.Time
		}
		out = append(out, act)
	}
	return out, result.Err()
}

// deliver hands the action to the dispatcher and marks it delivered. The
// dispatcher itself owns retry and DLQ routing, so any outcome short of a
// dispatch-layer panic means this row's lifecycle under the poller is done;
// attempts is incremented regardless so stuck rows are still observable.
func (p *Poller) deliver(ctx context.Context, act action.Action) {
	err := p.dispatcher.Dispatch(ctx, act)
	if err != nil && p.logger != nil {
		p.logger.WithError(err).Error("actions outbox: dispatch failed")
	}

	markErr := p.markDelivered(ctx, act.ActionID)
	if markErr != nil && p.logger != nil {
		p.logger.WithError(markErr).Error("actions outbox: mark delivered failed")
	}
}

func (p *Poller) markDelivered(ctx context.Context, actionID string) error {
	query := `UPDATE actions_outbox SET delivered_at = now(), attempts = attempts + 1 WHERE action_id = $1`
	if _, err := p.db.ExecContext(ctx, query, actionID); err != nil {
		return errors.DatabaseError("mark_action_delivered", err)
	}
	return nil
}
