// Package rules implements the deterministic adaptive-learning rule set:
// given an event and a learner's current state, it produces the next state
// and zero or more outbound actions. It performs no I/O.
package rules

import (
	"time"

	"github.com/lumina-learning/pulse-core/domain/action"
	"github.com/lumina-learning/pulse-core/domain/event"
	"github.com/lumina-learning/pulse-core/domain/learner"
)

// Clock abstracts wall-clock reads so evaluation stays deterministic in
// tests; production code wires time.Now.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Config holds the tunable thresholds driving rule evaluation. DefaultConfig
// supplies the documented defaults; no environment variable overrides them.
type Config struct {
	LevelUpPerf        float64
	LevelDownPerf       float64
	StreakUp            int
	StreakDown          int
	MaxSessionMinutes   float64
	MinBreakIntervalMin float64
	LowEngagement       float64
	SELAlertsThreshold  int
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		LevelUpPerf:         0.85,
		LevelDownPerf:       0.35,
		StreakUp:            5,
		StreakDown:          3,
		MaxSessionMinutes:   25,
		MinBreakIntervalMin: 15,
		LowEngagement:       0.30,
		SELAlertsThreshold:  2,
	}
}

// Engine evaluates the rule set against a configured threshold set and
// clock.
type Engine struct {
	cfg   Config
	clock Clock
}

// New constructs an Engine.
func New(cfg Config, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{cfg: cfg, clock: clock}
}

// Result is the outcome of one rule evaluation.
type Result struct {
	State   *learner.State
	Actions []action.Action
}

// Evaluate runs the three-phase rule set against state for one event and
// returns the next state plus any outbound actions. state is not mutated;
// the returned state is a modified copy.
func (e *Engine) Evaluate(ev event.Event, state *learner.State) Result {
	now := e.clock.Now()
	next := cloneState(state)
	var actions []action.Action

	levelSuggested := e.applyEventSpecific(ev, next, now, &actions)

	if !levelSuggested {
		e.applyAdaptiveLevelCheck(next, now, &actions)
	}

	e.applyUniversalBreakCheck(next, now, &actions)

	next.LastAppliedEventID = ev.EventID
	return Result{State: next, Actions: actions}
}

func cloneState(state *learner.State) *learner.State {
	clone := *state
	clone.RecentSELAlerts = append([]learner.SELAlert(nil), state.RecentSELAlerts...)
	clone.RecentAssessments = append([]learner.Assessment(nil), state.RecentAssessments...)
	return &clone
}

func floatField(data map[string]interface{}, key string) (float64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func stringField(data map[string]interface{}, key string) (string, bool) {
	v, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// applyEventSpecific runs phase 1 and reports whether it already emitted a
// LEVEL_SUGGESTED action (which suppresses phase 2 for this event).
func (e *Engine) applyEventSpecific(ev event.Event, s *learner.State, now time.Time, actions *[]action.Action) bool {
	switch ev.EventType {
	case event.TypeBaselineComplete:
		return e.handleBaselineComplete(ev, s, now, actions)
	case event.TypeSLPUpdated:
		return e.handleSLPUpdated(ev, s, now, actions)
	case event.TypeSELAlert:
		e.handleSELAlert(ev, s, now, actions)
		return false
	case event.TypeCourseworkAnalyzed:
		e.handleCourseworkAnalyzed(ev, s)
		return false
	case event.TypeAssessmentComplete:
		e.handleAssessmentComplete(ev, s, now)
		return false
	case event.TypeLearnerProgress:
		e.handleLearnerProgress(ev, s)
		return false
	case event.TypeEngagementLow:
		return e.handleEngagementLow(ev, s, now, actions)
	default:
		return false
	}
}

func (e *Engine) handleBaselineComplete(ev event.Event, s *learner.State, now time.Time, actions *[]action.Action) bool {
	overallScore, _ := floatField(ev.EventData, "overall_score")
	s.BaselineEstablished = true
	s.PerformanceScore = overallScore

	suggested := learner.FromBaselineScore(overallScore)
	emitted := false
	if suggested != s.Level {
		*actions = append(*actions, action.New(ev.LearnerID, ev.TenantID, "learner-service", action.TypeLevelSuggested, map[string]interface{}{
			"suggested_level": suggested,
			"reason":          "baseline_assessment",
			"confidence":      1.0,
		}, now))
		s.Level = suggested
		emitted = true
	}

	*actions = append(*actions, action.New(ev.LearnerID, ev.TenantID, "learner-service", action.TypeLearningPathUpdate, map[string]interface{}{
		"strengths":  ev.EventData["strengths"],
		"challenges": ev.EventData["challenges"],
		"focus":      ev.EventData["focus"],
	}, now))
	return emitted
}

func (e *Engine) handleSLPUpdated(ev event.Event, s *learner.State, now time.Time, actions *[]action.Action) bool {
	commScore, ok := floatField(ev.EventData, "communication_score")
	if !ok || commScore >= 0.40 {
		return false
	}
	if s.Level == learner.LevelBeginner || s.Level == learner.LevelEasy {
		return false
	}
	next := s.Level.StepDown()
	*actions = append(*actions, action.New(ev.LearnerID, ev.TenantID, "learner-service", action.TypeLevelSuggested, map[string]interface{}{
		"suggested_level": next,
		"reason":          "slp_communication_score_low",
		"confidence":      0.75,
	}, now))
	s.Level = next
	return true
}

func (e *Engine) handleSELAlert(ev event.Event, s *learner.State, now time.Time, actions *[]action.Action) {
	severity, _ := stringField(ev.EventData, "severity")
	s.AppendSELAlert(learner.SELAlert{OccurredAt: now, Severity: severity}, now)

	if len(s.RecentSELAlerts) < e.cfg.SELAlertsThreshold && severity != "high" {
		return
	}

	urgency := "moderate"
	if severity == "high" {
		urgency = "high"
	}
	*actions = append(*actions,
		action.New(ev.LearnerID, ev.TenantID, "notification-service", action.TypeSELIntervention, map[string]interface{}{
			"urgency": urgency,
		}, now),
		action.New(ev.LearnerID, ev.TenantID, "notification-service", action.TypeGameBreak, map[string]interface{}{
			"break_type": "mindfulness",
			"duration":   5,
		}, now),
	)
}

func (e *Engine) handleCourseworkAnalyzed(ev event.Event, s *learner.State) {
	if accuracy, ok := floatField(ev.EventData, "accuracy"); ok {
		s.PerformanceScore = accuracy
	}
	if engagement, ok := floatField(ev.EventData, "engagement"); ok {
		s.EngagementScore = engagement
	}
	if duration, ok := floatField(ev.EventData, "session_duration"); ok {
		s.SessionDurationMin += duration
	}

	accuracy, _ := floatField(ev.EventData, "accuracy")
	switch {
	case accuracy >= 0.80:
		s.ConsecutiveCorrect++
		s.ConsecutiveIncorrect = 0
	case accuracy <= 0.40:
		s.ConsecutiveIncorrect++
		s.ConsecutiveCorrect = 0
	default:
		s.ConsecutiveCorrect = 0
		s.ConsecutiveIncorrect = 0
	}
}

func (e *Engine) handleAssessmentComplete(ev event.Event, s *learner.State, now time.Time) {
	accuracy, _ := floatField(ev.EventData, "accuracy")
	s.AppendAssessment(learner.Assessment{OccurredAt: now, Accuracy: accuracy}, now)
}

func (e *Engine) handleLearnerProgress(ev event.Event, s *learner.State) {
	if perf, ok := floatField(ev.EventData, "performance_score"); ok {
		s.PerformanceScore = perf
	}
	if eng, ok := floatField(ev.EventData, "engagement_score"); ok {
		s.EngagementScore = eng
	}
}

func (e *Engine) handleEngagementLow(ev event.Event, s *learner.State, now time.Time, actions *[]action.Action) bool {
	*actions = append(*actions, action.New(ev.LearnerID, ev.TenantID, "notification-service", action.TypeGameBreak, map[string]interface{}{
		"break_type": "energizer",
		"duration":   3,
	}, now))

	if s.Level == learner.LevelBeginner || s.Level == learner.LevelEasy {
		return false
	}
	*actions = append(*actions, action.New(ev.LearnerID, ev.TenantID, "learner-service", action.TypeLevelSuggested, map[string]interface{}{
		"suggested_level": learner.LevelEasy,
		"reason":          "low_engagement",
		"confidence":      0.70,
		"temporary":       true,
	}, now))
	s.Level = learner.LevelEasy
	return true
}

func (e *Engine) applyAdaptiveLevelCheck(s *learner.State, now time.Time, actions *[]action.Action) {
	up := (s.PerformanceScore >= e.cfg.LevelUpPerf || s.ConsecutiveCorrect >= e.cfg.StreakUp) && !s.Level.IsMax()
	down := (s.PerformanceScore <= e.cfg.LevelDownPerf || s.ConsecutiveIncorrect >= e.cfg.StreakDown) && !s.Level.IsMin()

	switch {
	case up:
		next := s.Level.StepUp()
		*actions = append(*actions, action.New(s.LearnerID, s.TenantID, "learner-service", action.TypeLevelSuggested, map[string]interface{}{
			"suggested_level": next,
			"reason":          "adaptive_level_up",
			"confidence":      0.80,
		}, now))
		s.Level = next
	case down:
		next := s.Level.StepDown()
		*actions = append(*actions, action.New(s.LearnerID, s.TenantID, "learner-service", action.TypeLevelSuggested, map[string]interface{}{
			"suggested_level": next,
			"reason":          "adaptive_level_down",
			"confidence":      0.80,
		}, now))
		s.Level = next
	}
}

func (e *Engine) applyUniversalBreakCheck(s *learner.State, now time.Time, actions *[]action.Action) {
	intervalOK := s.LastBreakAt.IsZero() || now.Sub(s.LastBreakAt) >= time.Duration(e.cfg.MinBreakIntervalMin)*time.Minute

	switch {
	case s.SessionDurationMin >= e.cfg.MaxSessionMinutes && intervalOK:
		*actions = append(*actions, action.New(s.LearnerID, s.TenantID, "notification-service", action.TypeGameBreak, map[string]interface{}{
			"break_type": "movement",
			"duration":   5,
		}, now))
		s.SessionDurationMin = 0
		s.LastBreakAt = now
	case s.EngagementScore < e.cfg.LowEngagement && intervalOK:
		*actions = append(*actions, action.New(s.LearnerID, s.TenantID, "notification-service", action.TypeGameBreak, map[string]interface{}{
			"break_type": "attention",
			"duration":   3,
		}, now))
		s.LastBreakAt = now
	}
}
