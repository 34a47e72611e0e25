package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/lumina-learning/pulse-core/dispatch"
	"github.com/lumina-learning/pulse-core/infrastructure/config"
	"github.com/lumina-learning/pulse-core/infrastructure/testutil"
)

type fakeDLQ struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeDLQ) Publish(ctx context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return nil
}
func (f *fakeDLQ) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeDLQ) Close() error                          { return nil }

func targetsFor(urls map[string]string) *config.TargetsConfig {
	targets := make(map[string]*config.DispatchTarget)
	for name, url := range urls {
		targets[name] = &config.DispatchTarget{Enabled: true, Endpoint: url}
	}
	return &config.TargetsConfig{Targets: targets}
}

func TestPollerFetchesDispatchesAndMarksDelivered(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	d := dispatch.New(dispatch.DefaultConfig(), targetsFor(map[string]string{"notification-service": server.URL}), &fakeDLQ{}, nil, nil)
	poller := NewPoller(PollerConfig{PollInterval: time.Hour, BatchSize: 10}, db, d, nil)

	rows := sqlmock.NewRows([]string{"action_id", "action_type", "target_service", "learner_id", "tenant_id", "payload", "created_at", "not_before"}).
		AddRow("action-1", "GAME_BREAK", "notification-service", "learner-1", "tenant-1", []byte(`{"break_type":"movement"}`), time.Now(), nil)
	mock.ExpectQuery("SELECT action_id, action_type").WillReturnRows(rows)
	mock.ExpectExec("UPDATE actions_outbox").WillReturnResult(sqlmock.NewResult(0, 1))

	poller.pollOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPollerNoPendingRowsIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	d := dispatch.New(dispatch.DefaultConfig(), targetsFor(nil), &fakeDLQ{}, nil, nil)
	poller := NewPoller(DefaultPollerConfig(), db, d, nil)

	mock.ExpectQuery("SELECT action_id, action_type").
		WillReturnRows(sqlmock.NewRows([]string{"action_id", "action_type", "target_service", "learner_id", "tenant_id", "payload", "created_at", "not_before"}))

	poller.pollOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
