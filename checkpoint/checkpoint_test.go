package checkpoint

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func TestStoreGet_NotFound(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT consumer_name").
		WillReturnError(sql.ErrNoRows)

	rec, err := store.Get(context.Background(), "indexer")
	if err != nil {
		t.Fatalf("Get() error = %v, want nil", err)
	}
	if rec != nil {
		t.Errorf("Get() = %+v, want nil for unseen consumer", rec)
	}
}

func TestStoreAdvance_RefusesBackwardsMove(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"consumer_name", "last_processed_id", "updated_at"}).
		AddRow("indexer", int64(100), time.Now())
	mock.ExpectQuery("SELECT consumer_name").WillReturnRows(rows)

	err := store.Advance(context.Background(), "indexer", 50)
	if err == nil {
		t.Fatal("Advance() should refuse moving the checkpoint backwards")
	}
}
