package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	enforceapp "energy-monitoring/internal/enforcement/application"
)

type countingEnforcer struct {
	runs  int
	err   error
	panic bool
}

func (e *countingEnforcer) Run(context.Context) (enforceapp.Report, error) {
	e.runs++
	if e.panic {
		panic("bad row")
	}
	return enforceapp.Report{}, e.err
}

type scriptedDispatcher struct {
	counts []int
	err    error
	calls  int
}

func (d *scriptedDispatcher) Dispatch(context.Context) (int, error) {
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	if len(d.counts) == 0 {
		return 0, nil
	}
	n := d.counts[0]
	d.counts = d.counts[1:]
	return n, nil
}

// stopAfter returns a sleeper that records waits and cancels after n of them.
func stopAfter(n int, cancel context.CancelFunc, waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		if len(*waits) >= n {
			cancel()
			return context.Canceled
		}
		return ctx.Err()
	}
}

func TestSchedulerAdaptiveCadence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	enforcer := &countingEnforcer{}
	dispatcher := &scriptedDispatcher{counts: []int{3, 0, 20}}

	s, err := NewScheduler(enforcer, dispatcher, WithSleeper(stopAfter(3, cancel, &waits)))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(ctx)

	want := []time.Duration{DefaultBusyInterval, DefaultPollInterval, DefaultBusyInterval}
	if len(waits) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("wait %d: expected %s, got %s", i, want[i], waits[i])
		}
	}
	if enforcer.runs != 3 || dispatcher.calls != 3 {
		t.Fatalf("expected 3 full cycles, got enforce=%d dispatch=%d", enforcer.runs, dispatcher.calls)
	}
}

func TestSchedulerDryRunIdles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	enforcer := &countingEnforcer{}
	dispatcher := &scriptedDispatcher{counts: []int{5}}

	s, err := NewScheduler(enforcer, dispatcher,
		WithDryRun(true),
		WithIntervals(7*time.Second, 0),
		WithSleeper(stopAfter(4, cancel, &waits)),
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(ctx)

	if enforcer.runs != 0 || dispatcher.calls != 0 {
		t.Fatalf("dry run must not enforce or dispatch")
	}
	for _, w := range waits {
		if w != 7*time.Second {
			t.Fatalf("expected poll interval waits, got %v", waits)
		}
	}
	if s.RunCycle(context.Background()) != 0 {
		t.Fatalf("dry run cycle must report zero")
	}
}

func TestSchedulerDryRunWithoutDependencies(t *testing.T) {
	if _, err := NewScheduler(nil, nil, WithDryRun(true)); err != nil {
		t.Fatalf("dry run must not require dependencies: %v", err)
	}
	if _, err := NewScheduler(nil, &scriptedDispatcher{}); err == nil {
		t.Fatalf("expected nil enforcer error")
	}
	if _, err := NewScheduler(&countingEnforcer{}, nil); err == nil {
		t.Fatalf("expected nil dispatcher error")
	}
}

func TestRunCycleSwallowsErrors(t *testing.T) {
	enforcer := &countingEnforcer{panic: true}
	dispatcher := &scriptedDispatcher{err: errors.New("fetch failed")}
	s, _ := NewScheduler(enforcer, dispatcher)

	if n := s.RunCycle(context.Background()); n != 0 {
		t.Fatalf("expected dispatch error to collapse to 0, got %d", n)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("enforcement failure must not skip dispatch")
	}
	if s.NextDelay(0) != DefaultPollInterval || s.NextDelay(1) != DefaultBusyInterval {
		t.Fatalf("unexpected delays")
	}
}

type stubLease struct {
	err      error
	acquired int
	released int
}

type stubHeld struct {
	lease *stubLease
}

func (h stubHeld) Release(context.Context) error {
	h.lease.released++
	return nil
}

func (l *stubLease) Acquire(context.Context) (Held, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return stubHeld{lease: l}, nil
}

func TestRunCycleRequiresLease(t *testing.T) {
	enforcer := &countingEnforcer{}
	dispatcher := &scriptedDispatcher{counts: []int{2}}
	lease := &stubLease{err: ErrLeaseNotHeld}
	s, _ := NewScheduler(enforcer, dispatcher, WithLease(lease))

	if n := s.RunCycle(context.Background()); n != 0 {
		t.Fatalf("expected 0 without lease, got %d", n)
	}
	if enforcer.runs != 0 || dispatcher.calls != 0 {
		t.Fatalf("cycle must not run without lease")
	}

	lease.err = nil
	if n := s.RunCycle(context.Background()); n != 2 {
		t.Fatalf("expected 2 with lease, got %d", n)
	}
	if lease.acquired != 1 || lease.released != 1 {
		t.Fatalf("expected lease acquired and released once, got %d/%d", lease.acquired, lease.released)
	}
}
