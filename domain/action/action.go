// Package action defines the outbound action envelope emitted by the
// rules engine and delivered by the action dispatcher.
package action

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Type enumerates the closed set of outbound action kinds.
type Type string

const (
	TypeLevelSuggested     Type = "LEVEL_SUGGESTED"
	TypeGameBreak          Type = "GAME_BREAK"
	TypeSELIntervention    Type = "SEL_INTERVENTION"
	TypeLearningPathUpdate Type = "LEARNING_PATH_UPDATE"
)

// Action is a single instruction for a downstream service to act on behalf
// of a learner.
type Action struct {
	ActionID      string                 `json:"action_id"`
	Type          Type                   `json:"type"`
	TargetService string                 `json:"target_service"`
	LearnerID     string                 `json:"learner_id"`
	TenantID      string                 `json:"tenant_id"`
	Payload       map[string]interface{} `json:"payload"`
	CreatedAt     time.Time              `json:"created_at"`
	NotBefore     *time.Time             `json:"not_before,omitempty"`
}

// bucketWindow is the time quantum used to derive the idempotency key so
// that repeated rule evaluations inside the same window collapse onto the
// same action_id instead of firing duplicate downstream deliveries.
const bucketWindow = time.Minute

// NewActionID derives the deterministic idempotency key for an action from
// its learner, type, and a coarse time bucket.
func NewActionID(learnerID string, actionType Type, at time.Time) string {
	bucket := at.UTC().Truncate(bucketWindow).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", learnerID, actionType, bucket)))
	return hex.EncodeToString(sum[:])
}

// New constructs an Action with its idempotency key pre-computed.
func New(learnerID, tenantID, targetService string, actionType Type, payload map[string]interface{}, now time.Time) Action {
	return Action{
		ActionID:      NewActionID(learnerID, actionType, now),
		Type:          actionType,
		TargetService: targetService,
		LearnerID:     learnerID,
		TenantID:      tenantID,
		Payload:       payload,
		CreatedAt:     now,
	}
}

// WithNotBefore returns a with its delay set.
func (a Action) WithNotBefore(t time.Time) Action {
	a.NotBefore = &t
	return a
}
