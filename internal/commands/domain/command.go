package commands

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	ResultPending = "PENDING"
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

const (
	VerbOn     = "ON"
	VerbOff    = "OFF"
	VerbToggle = "TOGGLE"
)

const (
	ControlManual = "manual"
	ControlAuto   = "auto"
)

const (
	// ControlRegister is the holding register that drives the breaker output.
	ControlRegister = 49997

	DefaultMaxRetries = 3
	DefaultUnitID     = 1

	MinCoilAddress = 0
	MaxCoilAddress = 9999
)

// Command is one queued actuation request joined with its device address.
type Command struct {
	ID           int64
	DeviceID     int64
	CoilAddress  int
	Verb         string
	RequestedBy  string
	MaxRetries   int
	RetryCount   int
	Notes        string
	Source       string
	Reason       string
	Result       string
	ErrorMessage string
	RequestedAt  time.Time
	ExecutedAt   time.Time

	DeviceAddress string
	DeviceUnitID  int
}

// NewCommand is an enqueue request.
type NewCommand struct {
	DeviceID    int64
	CoilAddress int
	Verb        string
	Source      string
	Reason      string
	RequestedBy string
	MaxRetries  int
	Notes       string
	RequestedAt time.Time
}

// Repository is the durable command queue.
type Repository interface {
	FetchPending(ctx context.Context, limit int) ([]Command, error)
	WriteResult(ctx context.Context, id int64, result string, errMsg string, retryCount int) error
	FindRecentPending(ctx context.Context, deviceID int64, coil int, verb string, since time.Time) (bool, error)
	Insert(ctx context.Context, cmd NewCommand) (int64, error)
}

// NormalizeVerb upper-cases and trims a verb.
func NormalizeVerb(verb string) string {
	return strings.ToUpper(strings.TrimSpace(verb))
}

// ResolveTarget maps a verb to the desired breaker state. Verbs other than ON/OFF
// invert the observed state, falling back to off when the state is unknown.
func ResolveTarget(verb string, current bool, known bool) bool {
	switch NormalizeVerb(verb) {
	case VerbOn:
		return true
	case VerbOff:
		return false
	}
	if !known {
		return false
	}
	return !current
}

// ControlType classifies a verb for audit metadata.
func ControlType(verb string) string {
	switch NormalizeVerb(verb) {
	case VerbOn, VerbOff, VerbToggle:
		return ControlManual
	default:
		return ControlAuto
	}
}

// EffectiveMaxRetries applies the default retry bound.
func (c Command) EffectiveMaxRetries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// EffectiveUnitID applies the default protocol unit identifier.
func (c Command) EffectiveUnitID() int {
	if c.DeviceUnitID <= 0 {
		return DefaultUnitID
	}
	return c.DeviceUnitID
}

// ValidCoil reports whether a coil address is addressable.
func ValidCoil(address int) bool {
	return address >= MinCoilAddress && address <= MaxCoilAddress
}

// StateValue encodes a breaker state as a register value.
func StateValue(on bool) uint16 {
	if on {
		return 1
	}
	return 0
}

// ErrResultAlreadyWritten is returned when a terminal result was already stored.
var ErrResultAlreadyWritten = errors.New("commands: result already written")
