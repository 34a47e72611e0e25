// Package dispatch implements the ActionDispatcher: HTTP delivery of
// outbound actions to downstream services with retry, per-target circuit
// breaking, and a not-before delay queue.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/domain/action"
	"github.com/lumina-learning/pulse-core/infrastructure/config"
	"github.com/lumina-learning/pulse-core/infrastructure/errors"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
	"github.com/lumina-learning/pulse-core/infrastructure/resilience"
)

const actionsDLQTopic = "actions.dlq"

// Config controls retry cadence and circuit-breaker thresholds.
type Config struct {
	MaxAttempts int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64

	CircuitMaxFailures int
	CircuitTimeout     time.Duration
}

// DefaultConfig matches the documented retry/backoff/circuit defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        6,
		InitialDelay:       100 * time.Millisecond,
		MaxDelay:           30 * time.Second,
		Multiplier:         2.0,
		Jitter:             0.1,
		CircuitMaxFailures: 5,
		CircuitTimeout:      30 * time.Second,
	}
}

// AttemptRecord is one delivery attempt, kept for DLQ failure history.
type AttemptRecord struct {
	At         time.Time `json:"at"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Dispatcher delivers OutboundActions to their target_service over HTTP.
type Dispatcher struct {
	cfg     Config
	targets *config.TargetsConfig
	client  *http.Client
	queue   *DelayQueue
	dlq     broker.Publisher
	logger  *logging.Logger
	metrics *metrics.Metrics

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// New constructs a Dispatcher. targets resolves target_service names to
// endpoint base URLs; dlq publishes terminal failures to actions.dlq.
func New(cfg Config, targets *config.TargetsConfig, dlq broker.Publisher, logger *logging.Logger, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		targets:  targets,
		client:   &http.Client{Timeout: 10 * time.Second},
		dlq:      dlq,
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	d.queue = NewDelayQueue(d.deliverNow)
	return d
}

// Run starts the delay-queue's background pump. It blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.queue.Run(ctx)
}

// Dispatch delivers act now, or — if act.NotBefore is set and in the future
// — holds it in the time-ordered delay queue until then.
func (d *Dispatcher) Dispatch(ctx context.Context, act action.Action) error {
	if act.NotBefore != nil && act.NotBefore.After(time.Now()) {
		d.queue.Push(act)
		return nil
	}
	return d.deliverNow(ctx, act)
}

func (d *Dispatcher) breakerFor(target string) *resilience.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	cb, ok := d.breakers[target]
	if !ok {
		cb = resilience.New(resilience.Config{
			MaxFailures: d.cfg.CircuitMaxFailures,
			Timeout:     d.cfg.CircuitTimeout,
			OnStateChange: func(from, to resilience.State) {
				if d.metrics != nil {
					d.metrics.SetCircuitBreakerState("dispatcher", target, int(to))
				}
			},
		})
		d.breakers[target] = cb
	}
	return cb
}

// deliverNow runs the retry loop for a single action under its target's
// circuit breaker, routing terminal failures to the DLQ.
func (d *Dispatcher) deliverNow(ctx context.Context, act action.Action) error {
	breaker := d.breakerFor(act.TargetService)
	var history []AttemptRecord

	delay := d.cfg.InitialDelay
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		var statusCode int
		err := breaker.Execute(ctx, func() error {
			code, sendErr := d.send(ctx, act)
			statusCode = code
			return sendErr
		})

		if err == nil {
			if d.metrics != nil {
				d.metrics.RecordActionDispatched("dispatcher", string(act.Type), act.TargetService, "ok")
			}
			return nil
		}

		history = append(history, AttemptRecord{At: time.Now(), StatusCode: statusCode, Error: err.Error()})

		if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
			// Breaker is protecting the target; don't burn retry attempts
			// spinning against it, but don't give up on the action either.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.CircuitTimeout):
			}
			attempt--
			continue
		}

		if isTerminal(statusCode, err) {
			d.routeToDLQ(ctx, act, history)
			return err
		}

		if attempt == d.cfg.MaxAttempts {
			d.routeToDLQ(ctx, act, history)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resilience.AddJitter(delay, d.cfg.Jitter)):
		}
		delay = resilience.NextDelay(delay, resilience.RetryConfig{Multiplier: d.cfg.Multiplier, MaxDelay: d.cfg.MaxDelay})
	}
	return nil
}

// send performs a single HTTP delivery attempt and reports the response
// status code (0 if the request never got a response).
func (d *Dispatcher) send(ctx context.Context, act action.Action) (int, error) {
	target := d.targets.GetTarget(act.TargetService)
	if target == nil || !target.Enabled {
		return 0, errors.Internal(fmt.Sprintf("dispatch target %q is disabled or unconfigured", act.TargetService), nil)
	}
	if target.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(target.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	method, path := routeFor(act.Type)
	url := target.Endpoint + fmt.Sprintf(path, act.LearnerID)

	body, err := json.Marshal(act.Payload)
	if err != nil {
		return 0, errors.Internal("marshal action payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Internal("build dispatch request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", act.ActionID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("target returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func routeFor(actionType action.Type) (method, pathTemplate string) {
	switch actionType {
	case action.TypeLevelSuggested:
		return http.MethodPut, "/api/v1/learners/%s/level"
	case action.TypeLearningPathUpdate:
		return http.MethodPut, "/api/v1/learners/%s/learning-path"
	default:
		return http.MethodPost, "/internal/broadcast"
	}
}

// isTerminal classifies a failed attempt as non-retryable: any 4xx except
// 408 (request timeout) and 429 (rate limited), which behave like transient
// infrastructure failures.
func isTerminal(statusCode int, err error) bool {
	if statusCode == 0 {
		return false // network/timeout error, not a server response
	}
	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests {
		return false
	}
	return statusCode >= 400 && statusCode < 500
}

func (d *Dispatcher) routeToDLQ(ctx context.Context, act action.Action, history []AttemptRecord) {
	envelope := map[string]interface{}{
		"action":           act,
		"failure_history":  history,
		"dead_lettered_at": time.Now().UTC(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		if d.logger != nil {
			d.logger.WithError(err).Error("dispatch: marshal DLQ envelope failed")
		}
		return
	}
	if d.dlq != nil {
		if pubErr := d.dlq.Publish(ctx, actionsDLQTopic, act.LearnerID, payload); pubErr != nil && d.logger != nil {
			d.logger.WithError(pubErr).Error("dispatch: publish to actions DLQ failed")
		}
	}
	if d.metrics != nil {
		d.metrics.RecordActionDLQ("dispatcher", string(act.Type), act.TargetService)
	}
}
