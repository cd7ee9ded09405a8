package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"energy-monitoring/internal/observability/metrics"
)

// StatusCache mirrors status snapshots into a low-latency store.
type StatusCache interface {
	SetStatus(ctx context.Context, status DeviceStatus) error
}

// EventPublisher forwards recorded events to subscribers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) error
}

// Recorder writes status snapshots and audit events for execution outcomes.
type Recorder struct {
	store     Store
	cache     StatusCache
	publisher EventPublisher
	now       func() time.Time
}

// RecorderOption configures the recorder.
type RecorderOption func(*Recorder)

// WithStatusCache mirrors snapshots into cache.
func WithStatusCache(cache StatusCache) RecorderOption {
	return func(r *Recorder) {
		r.cache = cache
	}
}

// WithEventPublisher forwards appended events to publisher.
func WithEventPublisher(publisher EventPublisher) RecorderOption {
	return func(r *Recorder) {
		r.publisher = publisher
	}
}

// WithClock overrides the recorder clock.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder constructs a Recorder.
func NewRecorder(store Store, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit: nil store")
	}
	r := &Recorder{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record persists the outcome. Every sink is attempted; the returned error joins
// the failures and is advisory only.
func (r *Recorder) Record(ctx context.Context, outcome Outcome) error {
	if r == nil {
		return nil
	}
	now := r.now()
	if outcome.OccurredAt.IsZero() {
		outcome.OccurredAt = now
	}
	source := ResolveSource(outcome.Source, outcome.Notes)

	var errs []error
	if status, ok := snapshotFor(outcome, source, now); ok {
		if err := r.store.UpsertDeviceStatus(ctx, status); err != nil {
			metrics.IncRecordingError("status")
			errs = append(errs, fmt.Errorf("upsert status: %w", err))
		}
		if r.cache != nil {
			if err := r.cache.SetStatus(ctx, status); err != nil {
				metrics.IncRecordingError("cache")
				errs = append(errs, fmt.Errorf("cache status: %w", err))
			}
		}
	}

	event, err := BuildEvent(outcome)
	if err != nil {
		metrics.IncRecordingError("event")
		return errors.Join(append(errs, fmt.Errorf("build event: %w", err))...)
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		metrics.IncRecordingError("event")
		errs = append(errs, fmt.Errorf("append event: %w", err))
	} else if r.publisher != nil {
		if err := r.publisher.PublishEvent(ctx, event); err != nil {
			metrics.IncRecordingError("publish")
			errs = append(errs, fmt.Errorf("publish event: %w", err))
		}
	}
	return errors.Join(errs...)
}

// snapshotFor returns the status to store. A failed execution keeps the previous
// state and is skipped when that state is unknown.
func snapshotFor(outcome Outcome, source string, now time.Time) (DeviceStatus, bool) {
	state := outcome.NewState
	if !outcome.Success {
		if outcome.PreviousState == nil {
			return DeviceStatus{}, false
		}
		state = *outcome.PreviousState
	}
	return DeviceStatus{
		DeviceID:  outcome.DeviceID,
		State:     stateInt(state),
		Source:    source,
		UpdatedAt: now,
	}, true
}
