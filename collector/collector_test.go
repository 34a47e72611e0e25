package collector

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/spool"
)

func validEventJSON(learnerID string) map[string]interface{} {
	return map[string]interface{}{
		"learner_id":     learnerID,
		"tenant_id":      "tenant-1",
		"event_type":     "game_completed",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"source_service": "game-runner",
		"event_data":     map[string]interface{}{"score": 10},
	}
}

func newTestSpool(t *testing.T) (*spool.Spool, error) {
	t.Helper()
	return spool.New(spool.Config{Dir: t.TempDir()}, nil)
}

func newTestCollector(t *testing.T, publisher Publisher) *Collector {
	t.Helper()
	sp, err := newTestSpool(t)
	if err != nil {
		t.Fatalf("newTestSpool() error = %v", err)
	}
	return New(DefaultConfig(), publisher, sp, nil, nil)
}

func TestHandler_AllAccepted(t *testing.T) {
	mem := broker.NewMemory(4)
	c := newTestCollector(t, mem)

	body, _ := json.Marshal(map[string]interface{}{
		"events": []map[string]interface{}{validEventJSON("learner-1")},
	})

	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.Handler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Rejected != 0 {
		t.Errorf("resp = %+v, want accepted=1 rejected=0", resp)
	}
}

func TestHandler_AllRejected(t *testing.T) {
	mem := broker.NewMemory(4)
	c := newTestCollector(t, mem)

	bad := validEventJSON("learner-1")
	bad["event_type"] = "not_a_type"
	body, _ := json.Marshal(map[string]interface{}{"events": []map[string]interface{}{bad}})

	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.Handler()(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body=%s", w.Code, w.Body.String())
	}
}

func TestHandler_PartialAcceptance(t *testing.T) {
	mem := broker.NewMemory(4)
	c := newTestCollector(t, mem)

	bad := validEventJSON("learner-2")
	bad["event_type"] = "bogus"
	body, _ := json.Marshal(map[string]interface{}{
		"events": []map[string]interface{}{validEventJSON("learner-1"), bad},
	})

	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.Handler()(w, req)

	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207, body=%s", w.Code, w.Body.String())
	}
}

func TestHandler_BrokerUnhealthySpoolsAndAccepts(t *testing.T) {
	mem := broker.NewMemory(4)
	mem.SetHealthy(false)
	c := newTestCollector(t, mem)

	body, _ := json.Marshal(map[string]interface{}{
		"events": []map[string]interface{}{validEventJSON("learner-1")},
	})

	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.Handler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", resp.Accepted)
	}
	found := false
	for _, warn := range resp.Warnings {
		if warn == "buffered to disk" {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v, want to include 'buffered to disk'", resp.Warnings)
	}
}

func TestHandler_BrokerUnhealthySpoolFullReturns503(t *testing.T) {
	mem := broker.NewMemory(4)
	mem.SetHealthy(false)

	// Sideline the spool's directory with a regular file after construction
	// so a later Write() fails at the OS level regardless of the test
	// process's own file permissions.
	dir := filepath.Join(t.TempDir(), "spool")
	sp, err := spool.New(spool.Config{Dir: dir}, nil)
	if err != nil {
		t.Fatalf("spool.New() error = %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove spool dir: %v", err)
	}
	if err := os.WriteFile(dir, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("replace spool dir with file: %v", err)
	}

	c := New(DefaultConfig(), mem, sp, nil, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"events": []map[string]interface{}{validEventJSON("learner-1")},
	})

	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.Handler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body=%s", w.Code, w.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 0 {
		t.Errorf("Accepted = %d, want 0", resp.Accepted)
	}
	if len(resp.DLQEvents) != 1 {
		t.Errorf("DLQEvents = %v, want 1 entry", resp.DLQEvents)
	}
}

func TestHandler_BatchTooLarge(t *testing.T) {
	mem := broker.NewMemory(4)
	c := newTestCollector(t, mem)

	events := make([]map[string]interface{}, 1001)
	for i := range events {
		events[i] = validEventJSON("learner-1")
	}
	body, _ := json.Marshal(map[string]interface{}{"events": events})

	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.Handler()(w, req)

	if w.Code != http.StatusRequestEntityTooLarge && w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 413-class rejection, body=%s", w.Code, w.Body.String())
	}
}

func TestHandler_BadJSON(t *testing.T) {
	mem := broker.NewMemory(4)
	c := newTestCollector(t, mem)

	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	c.Handler()(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}

func TestHandler_BareArrayBody(t *testing.T) {
	mem := broker.NewMemory(4)
	c := newTestCollector(t, mem)

	body, _ := json.Marshal([]map[string]interface{}{validEventJSON("learner-1")})
	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.Handler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for bare array body, body=%s", w.Code, w.Body.String())
	}
}
