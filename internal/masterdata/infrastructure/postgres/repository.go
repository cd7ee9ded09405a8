package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	masterdata "energy-monitoring/internal/masterdata/domain"
)

const (
	defaultAccountsTable = "accounts"
	defaultDevicesTable  = "devices"
)

// DBTX is the subset of *sql.DB and *sql.Tx used by the repository.
type DBTX interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is a Postgres implementation of masterdata.Reader.
type Repository struct {
	db       DBTX
	accounts string
	devices  string
}

var _ masterdata.Reader = (*Repository)(nil)

// Option configures the repository.
type Option func(*Repository)

// WithAccountTable overrides the default accounts table name.
func WithAccountTable(table string) Option {
	return func(repo *Repository) {
		if table != "" {
			repo.accounts = table
		}
	}
}

// WithDeviceTable overrides the default devices table name.
func WithDeviceTable(table string) Option {
	return func(repo *Repository) {
		if table != "" {
			repo.devices = table
		}
	}
}

// NewRepository constructs a repository.
func NewRepository(db DBTX, opts ...Option) *Repository {
	repo := &Repository{db: db, accounts: defaultAccountsTable, devices: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ListActiveAccounts loads every active account.
func (r *Repository) ListActiveAccounts(ctx context.Context) ([]masterdata.Account, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("masterdata repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT account_id, COALESCE(name, ''), allocated_kwh, used_kwh, is_active
FROM %s
WHERE is_active = TRUE
ORDER BY account_id ASC`, r.accounts)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Account
	for rows.Next() {
		var (
			account   masterdata.Account
			allocated decimal.NullDecimal
			used      decimal.NullDecimal
		)
		if err := rows.Scan(&account.ID, &account.Name, &allocated, &used, &account.Active); err != nil {
			return nil, err
		}
		if allocated.Valid {
			account.Allocated = allocated.Decimal
		}
		if used.Valid {
			account.Used = used.Decimal
		}
		result = append(result, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListActiveDevices loads active devices belonging to accountID.
func (r *Repository) ListActiveDevices(ctx context.Context, accountID int64) ([]masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("masterdata repo: nil db")
	}
	if accountID <= 0 {
		return nil, errors.New("masterdata repo: invalid account id")
	}

	query := fmt.Sprintf(`
SELECT device_id, account_id, COALESCE(name, ''), COALESCE(ip_address, ''), COALESCE(modbus_id, 0),
	breaker_coil, breaker_enabled, is_active
FROM %s
WHERE account_id = $1 AND is_active = TRUE
ORDER BY device_id ASC`, r.devices)

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Device
	for rows.Next() {
		var (
			device masterdata.Device
			coil   sql.NullInt64
		)
		if err := rows.Scan(
			&device.ID,
			&device.AccountID,
			&device.Name,
			&device.Address,
			&device.UnitID,
			&coil,
			&device.BreakerEnabled,
			&device.Active,
		); err != nil {
			return nil, err
		}
		if coil.Valid {
			value := int(coil.Int64)
			device.BreakerCoil = &value
		}
		result = append(result, device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
