package masterdata

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Account is a metered customer with an allocated quota.
type Account struct {
	ID        int64
	Name      string
	Allocated decimal.Decimal
	Used      decimal.Decimal
	Active    bool
}

// Validate checks account invariants. Negative quota or usage rows are valid;
// a non-positive allocation is treated as no quota.
func (a Account) Validate() error {
	if a.ID <= 0 {
		return errors.New("account: invalid id")
	}
	return nil
}

// Device is a field device with an optional breaker output.
type Device struct {
	ID             int64
	AccountID      int64
	Name           string
	Address        string
	UnitID         int
	BreakerCoil    *int
	BreakerEnabled bool
	Active         bool
}

// Reader exposes the read-only master data the control loop needs.
type Reader interface {
	ListActiveAccounts(ctx context.Context) ([]Account, error)
	ListActiveDevices(ctx context.Context, accountID int64) ([]Device, error)
}
