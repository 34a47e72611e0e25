package rules

import (
	"testing"
	"time"

	"github.com/lumina-learning/pulse-core/domain/action"
	"github.com/lumina-learning/pulse-core/domain/event"
	"github.com/lumina-learning/pulse-core/domain/learner"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newEvent(learnerID string, evType event.Type, data map[string]interface{}) event.Event {
	return event.Event{
		EventID:   "evt-1",
		LearnerID: learnerID,
		TenantID:  "tenant-a",
		EventType: evType,
		EventData: data,
	}
}

func actionTypes(actions []action.Action) []action.Type {
	out := make([]action.Type, len(actions))
	for i, a := range actions {
		out[i] = a.Type
	}
	return out
}

func TestEvaluateIsDeterministic(t *testing.T) {
	clock := fixedClock{time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	e := New(DefaultConfig(), clock)
	state := learner.NewState("learner-1", "tenant-a")
	ev := newEvent("learner-1", event.TypeCourseworkAnalyzed, map[string]interface{}{
		"accuracy": 0.9, "engagement": 0.8, "session_duration": 5.0,
	})

	r1 := e.Evaluate(ev, state)
	r2 := e.Evaluate(ev, state)

	if r1.State.ConsecutiveCorrect != r2.State.ConsecutiveCorrect {
		t.Fatalf("non-deterministic ConsecutiveCorrect: %d vs %d", r1.State.ConsecutiveCorrect, r2.State.ConsecutiveCorrect)
	}
	if len(r1.Actions) != len(r2.Actions) {
		t.Fatalf("non-deterministic action count: %d vs %d", len(r1.Actions), len(r2.Actions))
	}
}

func TestBaselineCompleteSetsLevelAndEmitsActions(t *testing.T) {
	clock := fixedClock{time.Now()}
	e := New(DefaultConfig(), clock)
	state := learner.NewState("learner-1", "tenant-a")
	ev := newEvent("learner-1", event.TypeBaselineComplete, map[string]interface{}{"overall_score": 0.92})

	result := e.Evaluate(ev, state)

	if result.State.Level != learner.LevelAdvanced {
		t.Errorf("Level = %s, want advanced", result.State.Level)
	}
	if !result.State.BaselineEstablished {
		t.Errorf("BaselineEstablished = false, want true")
	}
	types := actionTypes(result.Actions)
	if len(types) != 2 || types[0] != action.TypeLevelSuggested || types[1] != action.TypeLearningPathUpdate {
		t.Errorf("Actions = %v, want [LEVEL_SUGGESTED LEARNING_PATH_UPDATE]", types)
	}
}

func TestSELAlertThresholdTriggersIntervention(t *testing.T) {
	clock := fixedClock{time.Now()}
	e := New(DefaultConfig(), clock)
	state := learner.NewState("learner-1", "tenant-a")

	ev1 := newEvent("learner-1", event.TypeSELAlert, map[string]interface{}{"severity": "low"})
	r1 := e.Evaluate(ev1, state)
	if len(r1.Actions) != 0 {
		t.Fatalf("expected no action on first low-severity alert, got %v", actionTypes(r1.Actions))
	}

	ev2 := newEvent("learner-1", event.TypeSELAlert, map[string]interface{}{"severity": "low"})
	r2 := e.Evaluate(ev2, r1.State)
	types := actionTypes(r2.Actions)
	if len(types) != 2 || types[0] != action.TypeSELIntervention || types[1] != action.TypeGameBreak {
		t.Errorf("Actions = %v, want [SEL_INTERVENTION GAME_BREAK] at threshold", types)
	}
}

func TestSELAlertHighSeverityTriggersImmediately(t *testing.T) {
	clock := fixedClock{time.Now()}
	e := New(DefaultConfig(), clock)
	state := learner.NewState("learner-1", "tenant-a")
	ev := newEvent("learner-1", event.TypeSELAlert, map[string]interface{}{"severity": "high"})

	result := e.Evaluate(ev, state)
	types := actionTypes(result.Actions)
	if len(types) != 2 || types[0] != action.TypeSELIntervention {
		t.Fatalf("Actions = %v, want SEL_INTERVENTION first", types)
	}
	if result.Actions[0].Payload["urgency"] != "high" {
		t.Errorf("urgency = %v, want high", result.Actions[0].Payload["urgency"])
	}
}

func TestAdaptiveLevelUpOnStreak(t *testing.T) {
	clock := fixedClock{time.Now()}
	e := New(DefaultConfig(), clock)
	state := learner.NewState("learner-1", "tenant-a")
	state.Level = learner.LevelModerate
	state.ConsecutiveCorrect = 5

	ev := newEvent("learner-1", event.TypeLearnerProgress, map[string]interface{}{})
	result := e.Evaluate(ev, state)

	if result.State.Level != learner.LevelChallenging {
		t.Errorf("Level = %s, want challenging", result.State.Level)
	}
}

func TestAdaptiveLevelCheckSuppressedWhenHandlerAlreadySuggested(t *testing.T) {
	clock := fixedClock{time.Now()}
	cfg := DefaultConfig()
	e := New(cfg, clock)
	state := learner.NewState("learner-1", "tenant-a")
	state.Level = learner.LevelModerate
	state.PerformanceScore = 0.95 // would trigger adaptive level-up if phase 2 ran

	ev := newEvent("learner-1", event.TypeSLPUpdated, map[string]interface{}{"communication_score": 0.1})
	result := e.Evaluate(ev, state)

	// SLP handler already stepped the level down; phase 2 must not also fire.
	levelSuggestions := 0
	for _, a := range result.Actions {
		if a.Type == action.TypeLevelSuggested {
			levelSuggestions++
		}
	}
	if levelSuggestions != 1 {
		t.Errorf("got %d LEVEL_SUGGESTED actions, want exactly 1", levelSuggestions)
	}
}

func TestUniversalBreakCheckMovementBreak(t *testing.T) {
	clock := fixedClock{time.Now()}
	e := New(DefaultConfig(), clock)
	state := learner.NewState("learner-1", "tenant-a")
	state.SessionDurationMin = 30

	ev := newEvent("learner-1", event.TypeLearnerProgress, map[string]interface{}{})
	result := e.Evaluate(ev, state)

	found := false
	for _, a := range result.Actions {
		if a.Type == action.TypeGameBreak && a.Payload["break_type"] == "movement" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a movement GAME_BREAK, got %v", actionTypes(result.Actions))
	}
	if result.State.SessionDurationMin != 0 {
		t.Errorf("SessionDurationMin = %f, want reset to 0", result.State.SessionDurationMin)
	}
}

func TestUniversalBreakCheckRespectsMinInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := fixedClock{now}
	e := New(DefaultConfig(), clock)
	state := learner.NewState("learner-1", "tenant-a")
	state.SessionDurationMin = 30
	state.LastBreakAt = now.Add(-5 * time.Minute) // inside MinBreakIntervalMin

	ev := newEvent("learner-1", event.TypeLearnerProgress, map[string]interface{}{})
	result := e.Evaluate(ev, state)

	for _, a := range result.Actions {
		if a.Type == action.TypeGameBreak {
			t.Errorf("expected no break within the minimum interval, got %v", actionTypes(result.Actions))
		}
	}
}

func TestEngagementLowEmitsBreakAndTemporaryLevelDrop(t *testing.T) {
	clock := fixedClock{time.Now()}
	e := New(DefaultConfig(), clock)
	state := learner.NewState("learner-1", "tenant-a")
	state.Level = learner.LevelModerate

	ev := newEvent("learner-1", event.TypeEngagementLow, map[string]interface{}{})
	result := e.Evaluate(ev, state)

	if result.State.Level != learner.LevelEasy {
		t.Errorf("Level = %s, want easy", result.State.Level)
	}
	types := actionTypes(result.Actions)
	if len(types) != 2 || types[0] != action.TypeGameBreak || types[1] != action.TypeLevelSuggested {
		t.Errorf("Actions = %v, want [GAME_BREAK LEVEL_SUGGESTED]", types)
	}
}

func TestAssessmentCompleteRecomputesPerformanceScoreAsMeanOfLastThree(t *testing.T) {
	clock := fixedClock{time.Now()}
	e := New(DefaultConfig(), clock)
	state := learner.NewState("learner-1", "tenant-a")

	for _, acc := range []float64{0.5, 0.6, 0.9, 1.0} {
		ev := newEvent("learner-1", event.TypeAssessmentComplete, map[string]interface{}{"accuracy": acc})
		r := e.Evaluate(ev, state)
		state = r.State
	}

	want := (0.6 + 0.9 + 1.0) / 3
	if diff := state.PerformanceScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("PerformanceScore = %f, want %f", state.PerformanceScore, want)
	}
}
