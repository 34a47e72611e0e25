// Package event defines the wire and internal representation of learner
// events accepted by the Collector and carried through the broker.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lumina-learning/pulse-core/infrastructure/errors"
)

// Priority is the urgency band of an event.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Type enumerates the closed set of accepted event types.
type Type string

const (
	TypeGameStarted         Type = "game_started"
	TypeGameCompleted       Type = "game_completed"
	TypeGamePaused          Type = "game_paused"
	TypeGameResumed         Type = "game_resumed"
	TypeInteraction         Type = "interaction"
	TypeProgressUpdate      Type = "progress_update"
	TypeErrorOccurred       Type = "error_occurred"
	TypeSessionStart        Type = "session_start"
	TypeSessionEnd          Type = "session_end"
	TypeAchievementUnlocked Type = "achievement_unlocked"
	TypeBaselineComplete    Type = "BASELINE_COMPLETE"
	TypeSLPUpdated          Type = "SLP_UPDATED"
	TypeSELAlert            Type = "SEL_ALERT"
	TypeCourseworkAnalyzed  Type = "COURSEWORK_ANALYZED"
	TypeAssessmentComplete  Type = "ASSESSMENT_COMPLETE"
	TypeIEPUpdated          Type = "IEP_UPDATED"
	TypeLearnerProgress     Type = "LEARNER_PROGRESS"
	TypeEngagementLow       Type = "ENGAGEMENT_LOW"
	TypeAchievementMilestone Type = "ACHIEVEMENT_MILESTONE"
)

var validTypes = map[Type]bool{
	TypeGameStarted:          true,
	TypeGameCompleted:        true,
	TypeGamePaused:           true,
	TypeGameResumed:          true,
	TypeInteraction:          true,
	TypeProgressUpdate:       true,
	TypeErrorOccurred:        true,
	TypeSessionStart:         true,
	TypeSessionEnd:           true,
	TypeAchievementUnlocked:  true,
	TypeBaselineComplete:     true,
	TypeSLPUpdated:           true,
	TypeSELAlert:             true,
	TypeCourseworkAnalyzed:   true,
	TypeAssessmentComplete:   true,
	TypeIEPUpdated:           true,
	TypeLearnerProgress:      true,
	TypeEngagementLow:        true,
	TypeAchievementMilestone: true,
}

// IsValidType reports whether t belongs to the closed event-type set.
func IsValidType(t Type) bool {
	return validTypes[t]
}

// MaxEventDataBytes is the serialized size cap for Event.EventData.
const MaxEventDataBytes = 10 * 1024

// MaxBatchSize is the maximum number of events accepted in one EventBatch.
const MaxBatchSize = 1000

// MaxFutureSkew and MaxPastSkew bound the accepted event timestamp window.
const (
	MaxFutureSkew = 5 * time.Minute
	MaxPastSkew   = 24 * time.Hour
)

// Event is the canonical, immutable learner event record.
type Event struct {
	EventID       string                 `json:"event_id"`
	LearnerID     string                 `json:"learner_id"`
	TenantID      string                 `json:"tenant_id"`
	EventType     Type                   `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	Priority      Priority               `json:"priority"`
	SessionID     string                 `json:"session_id,omitempty"`
	GameID        string                 `json:"game_id,omitempty"`
	SourceService string                 `json:"source_service"`
	EventData     map[string]interface{} `json:"event_data"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// EventBatch is an ordered sequence of events submitted in one request.
type EventBatch struct {
	Events   []Event `json:"events"`
	BatchID  string  `json:"batch_id,omitempty"`
	Compress bool    `json:"compress,omitempty"`
}

// Validate checks an event against the closed-set, size, and clock-skew
// rules. It assigns a fresh EventID when one was not supplied by the caller.
func (e *Event) Validate(now time.Time) error {
	if e.LearnerID == "" {
		return errors.MissingParameter("learner_id")
	}
	if e.TenantID == "" {
		return errors.MissingParameter("tenant_id")
	}
	if e.SourceService == "" {
		return errors.MissingParameter("source_service")
	}
	if !IsValidType(e.EventType) {
		return errors.InvalidFormat("event_type", "one of the closed event-type set")
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	switch e.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		return errors.InvalidFormat("priority", "low|normal|high|critical")
	}

	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}

	if e.Timestamp.IsZero() {
		return errors.MissingParameter("timestamp")
	}
	if e.Timestamp.After(now.Add(MaxFutureSkew)) {
		return errors.ClockSkew(e.Timestamp.Sub(now).String())
	}
	if e.Timestamp.Before(now.Add(-MaxPastSkew)) {
		return errors.ClockSkew(now.Sub(e.Timestamp).String())
	}

	size, err := serializedSize(e.EventData)
	if err != nil {
		return errors.InvalidFormat("event_data", "json-serializable map")
	}
	if size > MaxEventDataBytes {
		return errors.EventTooLarge(size, MaxEventDataBytes)
	}

	return nil
}

func serializedSize(data map[string]interface{}) (int, error) {
	if data == nil {
		return 0, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

// ValidateBatch validates batch size and each event, returning the accepted
// events, the rejected event IDs with reasons, and a batch-level error when
// the batch holds more than MaxBatchSize events. Each event is validated as a
// copy: defaults that Validate assigns appear in the accepted events, and
// b.Events itself is not modified.
func (b *EventBatch) ValidateBatch(now time.Time) (accepted []Event, rejected []RejectedEvent, err error) {
	if len(b.Events) > MaxBatchSize {
		return nil, nil, errors.BatchTooLarge(len(b.Events), MaxBatchSize)
	}

	accepted = make([]Event, 0, len(b.Events))
	for i := range b.Events {
		ev := b.Events[i]
		if verr := ev.Validate(now); verr != nil {
			rejected = append(rejected, RejectedEvent{
				EventID: ev.EventID,
				Index:   i,
				Reason:  verr.Error(),
			})
			continue
		}
		accepted = append(accepted, ev)
	}
	return accepted, rejected, nil
}

// RejectedEvent records why a single event in a batch failed validation.
type RejectedEvent struct {
	EventID string `json:"event_id,omitempty"`
	Index   int    `json:"index"`
	Reason  string `json:"reason"`
}
