package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type memoryStore struct {
	statuses  []DeviceStatus
	events    []Event
	statusErr error
	eventErr  error
}

func (m *memoryStore) UpsertDeviceStatus(_ context.Context, status DeviceStatus) error {
	if m.statusErr != nil {
		return m.statusErr
	}
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memoryStore) AppendEvent(_ context.Context, event Event) error {
	if m.eventErr != nil {
		return m.eventErr
	}
	m.events = append(m.events, event)
	return nil
}

type recordingCache struct {
	statuses []DeviceStatus
}

func (c *recordingCache) SetStatus(_ context.Context, status DeviceStatus) error {
	c.statuses = append(c.statuses, status)
	return nil
}

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) PublishEvent(_ context.Context, event Event) error {
	p.events = append(p.events, event)
	return nil
}

var fixedNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func newTestRecorder(t *testing.T, store *memoryStore, opts ...RecorderOption) *Recorder {
	t.Helper()
	opts = append(opts, WithClock(func() time.Time { return fixedNow }))
	r, err := NewRecorder(store, opts...)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return r
}

func TestRecordSuccess(t *testing.T) {
	store := &memoryStore{}
	cache := &recordingCache{}
	pub := &recordingPublisher{}
	r := newTestRecorder(t, store, WithStatusCache(cache), WithEventPublisher(pub))

	prev := false
	err := r.Record(context.Background(), Outcome{
		CommandID:     11,
		DeviceID:      3,
		PreviousState: &prev,
		NewState:      true,
		ControlType:   "manual",
		Success:       true,
		Notes:         "requested from panel source=operator",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if len(store.statuses) != 1 {
		t.Fatalf("expected one status write, got %d", len(store.statuses))
	}
	status := store.statuses[0]
	if status.State != 1 || status.Source != "operator" || !status.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(cache.statuses) != 1 {
		t.Fatalf("expected cache mirror, got %d", len(cache.statuses))
	}

	if len(store.events) != 1 {
		t.Fatalf("expected one event, got %d", len(store.events))
	}
	event := store.events[0]
	if event.Severity != SeverityInfo || event.Message != "DO ON" || event.EventType != EventTypeDOControl {
		t.Fatalf("unexpected event %+v", event)
	}
	var meta Metadata
	if err := json.Unmarshal(event.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.PreviousState == nil || *meta.PreviousState != 0 || meta.NewState != 1 || meta.ControlType != "manual" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if event.PayloadDigest != DigestJSON(event.Metadata) {
		t.Fatalf("digest mismatch")
	}
	if len(pub.events) != 1 || pub.events[0].ID != event.ID {
		t.Fatalf("expected published event")
	}
}

func TestRecordFailureKeepsPreviousState(t *testing.T) {
	store := &memoryStore{}
	r := newTestRecorder(t, store)

	prev := true
	if err := r.Record(context.Background(), Outcome{DeviceID: 5, PreviousState: &prev, NewState: false, Source: "auto"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(store.statuses) != 1 || store.statuses[0].State != 1 {
		t.Fatalf("expected previous state kept, got %+v", store.statuses)
	}
	if store.events[0].Severity != SeverityError || store.events[0].Message != "DO OFF" {
		t.Fatalf("unexpected event %+v", store.events[0])
	}
}

func TestRecordFailureUnknownStateSkipsSnapshot(t *testing.T) {
	store := &memoryStore{}
	r := newTestRecorder(t, store)

	if err := r.Record(context.Background(), Outcome{DeviceID: 5, NewState: true}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(store.statuses) != 0 {
		t.Fatalf("expected no snapshot, got %+v", store.statuses)
	}
	var meta Metadata
	_ = json.Unmarshal(store.events[0].Metadata, &meta)
	if meta.PreviousState != nil {
		t.Fatalf("expected null previous state")
	}
	if store.events[0].Source != DefaultSource {
		t.Fatalf("expected default source, got %s", store.events[0].Source)
	}
}

func TestRecordErrorsAreJoinedNotFatal(t *testing.T) {
	store := &memoryStore{statusErr: errors.New("status down"), eventErr: errors.New("events down")}
	pub := &recordingPublisher{}
	r := newTestRecorder(t, store, WithEventPublisher(pub))

	err := r.Record(context.Background(), Outcome{DeviceID: 1, NewState: true, Success: true})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected no publish when append fails")
	}
}

func TestResolveSource(t *testing.T) {
	for _, tc := range []struct {
		source, notes, want string
	}{
		{"auto", "source=panel", "auto"},
		{"", "limit check; source=enforcer, retry", "enforcer"},
		{"", "no token here", DefaultSource},
		{"  ", "", DefaultSource},
	} {
		if got := ResolveSource(tc.source, tc.notes); got != tc.want {
			t.Errorf("ResolveSource(%q, %q) = %q, want %q", tc.source, tc.notes, got, tc.want)
		}
	}
}

func TestNewRecorderNilStore(t *testing.T) {
	if _, err := NewRecorder(nil); err == nil {
		t.Fatalf("expected error")
	}
}
