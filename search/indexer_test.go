package search

import "testing"

func TestAggregateTypeFromTopic(t *testing.T) {
	cases := map[string]string{
		"cdc.learner_profile": "learner_profile",
		"cdc.lesson":           "lesson",
		"events.ingest":        "events.ingest",
	}
	for topic, want := range cases {
		if got := aggregateTypeFromTopic(topic); got != want {
			t.Errorf("aggregateTypeFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestIndexNameMapsAggregateTypesToDocumentedIndices(t *testing.T) {
	cases := map[string]string{
		"learner":         "learners",
		"learner_profile": "learners",
		"lesson":          "lessons",
		"assessment":      "assessments",
		"unknown_kind":    "unknown_kind",
	}
	for aggregateType, want := range cases {
		if got := indexName(aggregateType); got != want {
			t.Errorf("indexName(%q) = %q, want %q", aggregateType, got, want)
		}
	}
}
