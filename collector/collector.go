// Package collector implements the HTTP ingestion surface that accepts
// learner events, validates them, and forwards them to the broker or,
// on broker outage, to the on-disk spool.
package collector

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/lumina-learning/pulse-core/domain/event"
	"github.com/lumina-learning/pulse-core/infrastructure/errors"
	"github.com/lumina-learning/pulse-core/infrastructure/httputil"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
	"github.com/lumina-learning/pulse-core/spool"
)

const (
	// MaxDecompressedBodyBytes bounds the decompressed request body size.
	MaxDecompressedBodyBytes = 10 << 20 // 10 MB

	eventsTopic = "events.ingest"
	dlqTopic    = eventsTopic + ".dlq"
)

// Publisher is the narrow broker surface the Collector needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	HealthCheck(ctx context.Context) error
}

// Config controls Collector behavior.
type Config struct {
	RateLimitPerMinute int
	RateLimitBurst     int
}

// DefaultConfig matches the documented default rate limit.
func DefaultConfig() Config {
	return Config{RateLimitPerMinute: 100, RateLimitBurst: 10}
}

// Collector validates and forwards batches of events arriving over HTTP.
type Collector struct {
	cfg       Config
	publisher Publisher
	spool     *spool.Spool
	logger    *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New constructs a Collector. publisher and sp may not be nil.
func New(cfg Config, publisher Publisher, sp *spool.Spool, logger *logging.Logger, m *metrics.Metrics) *Collector {
	return &Collector{cfg: cfg, publisher: publisher, spool: sp, logger: logger, metrics: m, now: time.Now}
}

// Response is the wire shape returned from POST /collect.
type Response struct {
	Accepted         int      `json:"accepted"`
	Rejected         int      `json:"rejected"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
	KafkaPartition   *int32   `json:"kafka_partition,omitempty"`
	Warnings         []string `json:"warnings"`
	DLQEvents        []string `json:"dlq_events,omitempty"`

	// spoolUnavailable is set when both the broker and the disk spool
	// rejected a batch, which statusFor reports as 503 rather than 422.
	spoolUnavailable bool
}

// Handler returns the POST /collect HTTP handler.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := c.now()
		ctx := r.Context()

		body, err := c.readBody(r)
		if err != nil {
			c.writeError(w, r, err)
			return
		}

		batch, err := parseBatch(body)
		if err != nil {
			c.writeError(w, r, err)
			return
		}

		if len(batch.Events) > event.MaxBatchSize {
			c.writeError(w, r, errors.BatchTooLarge(len(batch.Events), event.MaxBatchSize))
			return
		}

		accepted, rejected, verr := batch.ValidateBatch(start)
		if verr != nil {
			c.writeError(w, r, verr)
			return
		}

		resp := c.publishOrSpool(ctx, batch, accepted, rejected)
		resp.ProcessingTimeMS = c.now().Sub(start).Milliseconds()

		status := statusFor(resp, len(batch.Events))
		httputil.WriteJSON(w, status, resp)

		if c.metrics != nil {
			outcome := "accepted"
			if resp.Accepted == 0 {
				outcome = "rejected"
			} else if resp.Rejected > 0 {
				outcome = "partial"
			}
			c.metrics.RecordEventProcessed("collector", "batch", outcome)
			c.metrics.RecordProcessingTime("collector", c.now().Sub(start))
		}
	}
}

func statusFor(resp Response, total int) int {
	switch {
	case resp.spoolUnavailable:
		return http.StatusServiceUnavailable
	case resp.Accepted == 0 && total > 0:
		return http.StatusUnprocessableEntity
	case resp.Rejected > 0:
		return http.StatusMultiStatus
	default:
		return http.StatusOK
	}
}

func (c *Collector) readBody(r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, errors.InvalidFormat("body", "valid gzip stream")
		}
		defer gz.Close()
		reader = gz
	}

	limited := io.LimitReader(reader, MaxDecompressedBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.InvalidFormat("body", "readable request body")
	}
	if len(data) > MaxDecompressedBodyBytes {
		return nil, errors.BatchTooLarge(len(data), MaxDecompressedBodyBytes)
	}
	return data, nil
}

// parseBatch accepts either an EventBatch object or a bare JSON array of events.
func parseBatch(body []byte) (event.EventBatch, error) {
	var batch event.EventBatch
	if err := json.Unmarshal(body, &batch); err == nil && batch.Events != nil {
		return batch, nil
	}

	var events []event.Event
	if err := json.Unmarshal(body, &events); err != nil {
		return event.EventBatch{}, errors.InvalidFormat("body", "EventBatch object or array of events")
	}
	return event.EventBatch{Events: events}, nil
}

func (c *Collector) publishOrSpool(ctx context.Context, batch event.EventBatch, accepted []event.Event, rejected []event.RejectedEvent) Response {
	resp := Response{Warnings: []string{}}
	for _, r := range rejected {
		resp.DLQEvents = append(resp.DLQEvents, r.EventID)
	}
	resp.Rejected = len(rejected)

	if len(accepted) == 0 {
		return resp
	}

	if err := c.publisher.HealthCheck(ctx); err != nil {
		spooled := event.EventBatch{BatchID: batch.BatchID, Events: accepted}
		if _, werr := c.spool.Write(spooled); werr != nil {
			resp.Rejected += len(accepted)
			resp.spoolUnavailable = true
			for _, ev := range accepted {
				raw, merr := json.Marshal(ev)
				if merr != nil {
					resp.DLQEvents = append(resp.DLQEvents, ev.EventID)
					continue
				}
				c.routeToDLQ(ctx, ev, raw, werr)
				resp.DLQEvents = append(resp.DLQEvents, ev.EventID)
			}
			if c.metrics != nil {
				c.metrics.SetBufferEventsCount(0)
			}
			return resp
		}
		resp.Accepted = len(accepted)
		resp.Warnings = append(resp.Warnings, "buffered to disk")
		return resp
	}

	published := 0
	for _, ev := range accepted {
		raw, err := json.Marshal(ev)
		if err != nil {
			resp.Rejected++
			resp.DLQEvents = append(resp.DLQEvents, ev.EventID)
			continue
		}

		pubErr := c.publisher.Publish(ctx, eventsTopic, ev.LearnerID, raw)
		if pubErr != nil {
			c.routeToDLQ(ctx, ev, raw, pubErr)
			resp.Rejected++
			resp.DLQEvents = append(resp.DLQEvents, ev.EventID)
			continue
		}
		published++
	}
	resp.Accepted = published

	if c.metrics != nil {
		c.metrics.RecordKafkaWrite("collector", eventsTopic, "ok")
	}

	return resp
}

func (c *Collector) routeToDLQ(ctx context.Context, ev event.Event, raw []byte, cause error) {
	envelope := map[string]interface{}{
		"reason":         cause.Error(),
		"failed_at":      c.now().UTC(),
		"original_topic": eventsTopic,
		"event":          json.RawMessage(raw),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if err := c.publisher.Publish(ctx, dlqTopic, ev.LearnerID, payload); err != nil && c.logger != nil {
		c.logger.WithError(err).Error("failed to route event to dead-letter topic")
	}
	if c.metrics != nil {
		c.metrics.RecordDLQEvent("collector", eventsTopic, "publish_failed")
	}
}

func (c *Collector) writeError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("unexpected error", err)
	}
	httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
}
