package outbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/lumina-learning/pulse-core/broker"
	"github.com/lumina-learning/pulse-core/checkpoint"
)

func TestPollOnce_PublishesAndCommitsAtomically(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	cp := checkpoint.NewStore(db)
	mem := broker.NewMemory(1)

	reader := NewReader(Config{PollInterval: time.Hour, BatchSize: 10}, db, cp, mem, nil, nil)

	mock.ExpectQuery("SELECT consumer_name").
		WillReturnRows(sqlmock.NewRows([]string{"consumer_name", "last_processed_id", "updated_at"}).
			AddRow(ConsumerName, int64(0), time.Now()))

	rows := sqlmock.NewRows([]string{"id", "aggregate_type", "aggregate_id", "event_version", "payload", "created_at"}).
		AddRow(int64(1), "learner_profile", "learner-1", int64(1), []byte(`{"foo":"bar"}`), time.Now())
	mock.ExpectQuery("SELECT id, aggregate_type").WillReturnRows(rows)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO cdc_checkpoint").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reader.pollOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPollOnce_NoRowsIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	cp := checkpoint.NewStore(db)
	mem := broker.NewMemory(1)
	reader := NewReader(DefaultConfig(), db, cp, mem, nil, nil)

	mock.ExpectQuery("SELECT consumer_name").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, aggregate_type").
		WillReturnRows(sqlmock.NewRows([]string{"id", "aggregate_type", "aggregate_id", "event_version", "payload", "created_at"}))

	reader.pollOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
