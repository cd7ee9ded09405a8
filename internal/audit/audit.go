package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SeverityInfo  = "INFO"
	SeverityError = "ERROR"

	EventTypeDOControl = "DO_CONTROL"

	DefaultSource = "system"
)

// Event is an append-only audit record for one device.
type Event struct {
	ID            string
	DeviceID      int64
	Severity      string
	EventType     string
	Message       string
	Source        string
	Metadata      json.RawMessage
	PayloadDigest string
	CreatedAt     time.Time
}

// Metadata is the structured payload attached to a control event.
type Metadata struct {
	CommandID     int64  `json:"command_id,omitempty"`
	PreviousState *int   `json:"previous_state"`
	NewState      int    `json:"new_state"`
	ControlType   string `json:"control_type"`
	Success       bool   `json:"success"`
	Notes         string `json:"notes,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

// DeviceStatus is the last known logical state of a device.
type DeviceStatus struct {
	DeviceID  int64     `json:"device_id"`
	State     int       `json:"state"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outcome describes one command execution to be recorded.
type Outcome struct {
	CommandID     int64
	DeviceID      int64
	PreviousState *bool
	NewState      bool
	ControlType   string
	Success       bool
	Source        string
	Reason        string
	Notes         string
	Error         string
	OccurredAt    time.Time
}

// Store persists status snapshots and audit events.
type Store interface {
	UpsertDeviceStatus(ctx context.Context, status DeviceStatus) error
	AppendEvent(ctx context.Context, event Event) error
}

var sourcePattern = regexp.MustCompile(`source=([^\s;,]+)`)

// SourceFromNotes extracts a source=<value> token from free-text notes.
func SourceFromNotes(notes string) string {
	match := sourcePattern.FindStringSubmatch(notes)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}

// ResolveSource prefers the structured source, then the notes token, then the default.
func ResolveSource(source, notes string) string {
	if source = strings.TrimSpace(source); source != "" {
		return source
	}
	if parsed := SourceFromNotes(notes); parsed != "" {
		return parsed
	}
	return DefaultSource
}

// NewID generates a random audit id.
func NewID() string {
	return "evt-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BuildEvent renders an outcome into an audit event.
func BuildEvent(outcome Outcome) (Event, error) {
	meta := Metadata{
		CommandID:     outcome.CommandID,
		PreviousState: stateIntPtr(outcome.PreviousState),
		NewState:      stateInt(outcome.NewState),
		ControlType:   outcome.ControlType,
		Success:       outcome.Success,
		Notes:         outcome.Notes,
		Reason:        outcome.Reason,
		Error:         outcome.Error,
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return Event{}, err
	}
	severity := SeverityInfo
	if !outcome.Success {
		severity = SeverityError
	}
	message := "DO OFF"
	if outcome.NewState {
		message = "DO ON"
	}
	createdAt := outcome.OccurredAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return Event{
		ID:            NewID(),
		DeviceID:      outcome.DeviceID,
		Severity:      severity,
		EventType:     EventTypeDOControl,
		Message:       message,
		Source:        ResolveSource(outcome.Source, outcome.Notes),
		Metadata:      payload,
		PayloadDigest: DigestJSON(payload),
		CreatedAt:     createdAt.UTC(),
	}, nil
}

func stateInt(on bool) int {
	if on {
		return 1
	}
	return 0
}

func stateIntPtr(state *bool) *int {
	if state == nil {
		return nil
	}
	value := stateInt(*state)
	return &value
}
