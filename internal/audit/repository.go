package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository writes device status snapshots and audit events to Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// UpsertDeviceStatus overwrites the device snapshot in place.
func (r *Repository) UpsertDeviceStatus(ctx context.Context, status DeviceStatus) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	if status.Source == "" {
		status.Source = DefaultSource
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO device_status (device_id, state, source, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (device_id) DO UPDATE
SET state = EXCLUDED.state, source = EXCLUDED.source, updated_at = EXCLUDED.updated_at`,
		status.DeviceID, status.State, status.Source, status.UpdatedAt.UTC())
	return err
}

// AppendEvent writes an audit event.
func (r *Repository) AppendEvent(ctx context.Context, event Event) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if event.ID == "" {
		event.ID = NewID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.PayloadDigest == "" {
		event.PayloadDigest = DigestJSON(event.Metadata)
	}
	metadata := []byte(event.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO device_events (
	id, device_id, severity, event_type, message, source, metadata, payload_digest, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, event.ID, event.DeviceID, event.Severity, event.EventType, event.Message, event.Source,
		metadata, event.PayloadDigest, event.CreatedAt.UTC())
	return err
}

// GetDeviceStatus loads a device snapshot.
func (r *Repository) GetDeviceStatus(ctx context.Context, deviceID int64) (*DeviceStatus, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	var status DeviceStatus
	err := r.db.QueryRowContext(ctx, `
SELECT device_id, state, source, updated_at
FROM device_status
WHERE device_id = $1`, deviceID).Scan(&status.DeviceID, &status.State, &status.Source, &status.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	status.UpdatedAt = status.UpdatedAt.UTC()
	return &status, nil
}
