package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func TestRepositoryUpsertDeviceStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRepository(db)
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectExec("INSERT INTO device_status .+ ON CONFLICT \\(device_id\\) DO UPDATE").
		WithArgs(int64(8), 1, "auto", updated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpsertDeviceStatus(context.Background(), DeviceStatus{DeviceID: 8, State: 1, Source: "auto", UpdatedAt: updated}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestRepositoryAppendEvent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRepository(db)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	meta := json.RawMessage(`{"new_state":0}`)

	mock.ExpectExec("INSERT INTO device_events").
		WithArgs("evt-1", int64(8), SeverityInfo, EventTypeDOControl, "DO OFF", "system", []byte(meta), DigestJSON(meta), created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AppendEvent(context.Background(), Event{
		ID:        "evt-1",
		DeviceID:  8,
		Severity:  SeverityInfo,
		EventType: EventTypeDOControl,
		Message:   "DO OFF",
		Source:    "system",
		Metadata:  meta,
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestRepositoryGetDeviceStatusMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRepository(db)

	mock.ExpectQuery("SELECT device_id, state, source, updated_at FROM device_status").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "state", "source", "updated_at"}))

	status, err := repo.GetDeviceStatus(context.Background(), 99)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status != nil {
		t.Fatalf("expected nil status, got %+v", status)
	}
}

func TestNilRepository(t *testing.T) {
	if NewRepository(nil) != nil {
		t.Fatalf("expected nil repository for nil db")
	}
	var repo *Repository
	if err := repo.AppendEvent(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error from nil repository")
	}
}
