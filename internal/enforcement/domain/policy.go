package enforcement

import (
	"github.com/shopspring/decimal"

	commands "energy-monitoring/internal/commands/domain"
	masterdata "energy-monitoring/internal/masterdata/domain"
)

const (
	ReasonLimitExceeded     = "limit exceeded"
	ReasonRechargeCompleted = "recharge completed"

	Source      = "auto"
	RequestedBy = "auto-enforcement"
)

var hundred = decimal.NewFromInt(100)

// UsagePercent returns used/allocated*100. With no allocation any usage counts as
// fully consumed.
func UsagePercent(allocated, used decimal.Decimal) decimal.Decimal {
	if allocated.IsPositive() {
		return used.Div(allocated).Mul(hundred)
	}
	if used.IsPositive() {
		return hundred
	}
	return decimal.Zero
}

// Decision is the corrective command chosen for one device.
type Decision struct {
	AccountID    int64
	DeviceID     int64
	CoilAddress  int
	Verb         string
	Reason       string
	UsagePercent decimal.Decimal
}

// Decide returns the corrective command for a device at the given usage.
func Decide(usage decimal.Decimal) (verb string, reason string) {
	if usage.GreaterThanOrEqual(hundred) {
		return commands.VerbOn, ReasonLimitExceeded
	}
	return commands.VerbOff, ReasonRechargeCompleted
}

// Controllable returns the breaker coil of d when enforcement may drive it.
func Controllable(d masterdata.Device) (int, bool) {
	if !d.Active || !d.BreakerEnabled || d.BreakerCoil == nil {
		return 0, false
	}
	coil := *d.BreakerCoil
	if !commands.ValidCoil(coil) {
		return 0, false
	}
	return coil, true
}

// Evaluate builds the decisions for every controllable device of account.
func Evaluate(account masterdata.Account, devices []masterdata.Device) []Decision {
	usage := UsagePercent(account.Allocated, account.Used)
	verb, reason := Decide(usage)
	var decisions []Decision
	for _, device := range devices {
		coil, ok := Controllable(device)
		if !ok {
			continue
		}
		decisions = append(decisions, Decision{
			AccountID:    account.ID,
			DeviceID:     device.ID,
			CoilAddress:  coil,
			Verb:         verb,
			Reason:       reason,
			UsagePercent: usage,
		})
	}
	return decisions
}

// Command converts a decision into an enqueue request.
func (d Decision) Command() commands.NewCommand {
	return commands.NewCommand{
		DeviceID:    d.DeviceID,
		CoilAddress: d.CoilAddress,
		Verb:        d.Verb,
		Source:      Source,
		Reason:      d.Reason,
		RequestedBy: RequestedBy,
		Notes:       "source=" + Source + "; usage_pct=" + d.UsagePercent.StringFixed(2),
	}
}
