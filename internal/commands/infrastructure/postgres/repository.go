package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	commands "energy-monitoring/internal/commands/domain"
)

// CommandRepository is a Postgres implementation of the command queue.
type CommandRepository struct {
	db *sql.DB
}

var _ commands.Repository = (*CommandRepository)(nil)

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// FetchPending returns up to limit PENDING commands, oldest request first, joined
// with the device address.
func (r *CommandRepository) FetchPending(ctx context.Context, limit int) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if limit <= 0 {
		return nil, errors.New("command repo: invalid limit")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT c.command_id, c.device_id, c.coil_address, c.command, COALESCE(c.requested_by, ''),
	COALESCE(c.max_retries, 0), COALESCE(c.retry_count, 0), COALESCE(c.notes, ''),
	COALESCE(c.source, ''), COALESCE(c.reason, ''), c.requested_at,
	COALESCE(d.ip_address, ''), COALESCE(d.modbus_id, 0)
FROM digital_output_commands c
JOIN devices d ON c.device_id = d.device_id
WHERE c.execution_result = 'PENDING'
ORDER BY c.requested_at ASC, c.command_id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.Command
	for rows.Next() {
		var cmd commands.Command
		if err := rows.Scan(
			&cmd.ID,
			&cmd.DeviceID,
			&cmd.CoilAddress,
			&cmd.Verb,
			&cmd.RequestedBy,
			&cmd.MaxRetries,
			&cmd.RetryCount,
			&cmd.Notes,
			&cmd.Source,
			&cmd.Reason,
			&cmd.RequestedAt,
			&cmd.DeviceAddress,
			&cmd.DeviceUnitID,
		); err != nil {
			return nil, err
		}
		cmd.Verb = commands.NormalizeVerb(cmd.Verb)
		cmd.Result = commands.ResultPending
		cmd.RequestedAt = cmd.RequestedAt.UTC()
		result = append(result, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// WriteResult stores the terminal result. Only PENDING rows are updated.
func (r *CommandRepository) WriteResult(ctx context.Context, id int64, result string, errMsg string, retryCount int) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if result != commands.ResultSuccess && result != commands.ResultFailed {
		return errors.New("command repo: invalid result")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE digital_output_commands
SET execution_result = $1, error_message = $2, retry_count = $3, executed_at = $4
WHERE command_id = $5 AND execution_result = 'PENDING'`,
		result, nullString(errMsg), retryCount, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return commands.ErrResultAlreadyWritten
	}
	return nil
}

// FindRecentPending reports whether an identical PENDING command was requested since.
func (r *CommandRepository) FindRecentPending(ctx context.Context, deviceID int64, coil int, verb string, since time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM digital_output_commands
	WHERE device_id = $1 AND coil_address = $2 AND command = $3
		AND execution_result = 'PENDING' AND requested_at >= $4
)`, deviceID, coil, commands.NormalizeVerb(verb), since.UTC()).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Insert enqueues a PENDING command and returns its id.
func (r *CommandRepository) Insert(ctx context.Context, cmd commands.NewCommand) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("command repo: nil db")
	}
	requestedAt := cmd.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}
	maxRetries := cmd.MaxRetries
	if maxRetries <= 0 {
		maxRetries = commands.DefaultMaxRetries
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO digital_output_commands (
	device_id, coil_address, command, requested_by, max_retries, retry_count,
	notes, source, reason, execution_result, requested_at
) VALUES (
	$1, $2, $3, $4, $5, 0, $6, $7, $8, 'PENDING', $9
)
RETURNING command_id`,
		cmd.DeviceID, cmd.CoilAddress, commands.NormalizeVerb(cmd.Verb), nullString(cmd.RequestedBy), maxRetries,
		nullString(cmd.Notes), nullString(cmd.Source), nullString(cmd.Reason), requestedAt.UTC()).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
