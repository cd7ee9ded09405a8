package application

import (
	"context"
	"errors"
	"testing"
	"time"

	commands "energy-monitoring/internal/commands/domain"
	"energy-monitoring/internal/commands/infrastructure/memory"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func TestEnqueueDeduplicatesWithinWindow(t *testing.T) {
	repo := memory.NewCommandRepository()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	guard, err := NewEnqueueGuard(repo, WithGuardClock(clock.Now))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	req := commands.NewCommand{DeviceID: 7, CoilAddress: 2, Verb: "on", Source: "auto"}

	inserted, err := guard.Enqueue(context.Background(), req)
	if err != nil || !inserted {
		t.Fatalf("expected first insert, got inserted=%v err=%v", inserted, err)
	}
	clock.now = clock.now.Add(2 * time.Minute)
	inserted, err = guard.Enqueue(context.Background(), req)
	if err != nil || inserted {
		t.Fatalf("expected duplicate suppressed, got inserted=%v err=%v", inserted, err)
	}
	if repo.Len() != 1 {
		t.Fatalf("expected 1 stored command, got %d", repo.Len())
	}

	other := req
	other.Verb = "OFF"
	if inserted, _ := guard.Enqueue(context.Background(), other); !inserted {
		t.Fatalf("different verb must not be suppressed")
	}
}

func TestEnqueueAfterWindowInserts(t *testing.T) {
	repo := memory.NewCommandRepository()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	guard, _ := NewEnqueueGuard(repo, WithGuardClock(clock.Now))
	req := commands.NewCommand{DeviceID: 7, CoilAddress: 2, Verb: "ON"}

	if _, err := guard.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock.now = clock.now.Add(DefaultDedupWindow + time.Second)
	inserted, err := guard.Enqueue(context.Background(), req)
	if err != nil || !inserted {
		t.Fatalf("expected insert after window, got inserted=%v err=%v", inserted, err)
	}
}

func TestEnqueueAfterExecutionInserts(t *testing.T) {
	repo := memory.NewCommandRepository()
	guard, _ := NewEnqueueGuard(repo)
	req := commands.NewCommand{DeviceID: 7, CoilAddress: 2, Verb: "ON"}

	if _, err := guard.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.WriteResult(context.Background(), 1, commands.ResultSuccess, "", 1); err != nil {
		t.Fatalf("write result: %v", err)
	}
	if inserted, _ := guard.Enqueue(context.Background(), req); !inserted {
		t.Fatalf("executed command must not suppress a new one")
	}
}

type lookupFailRepo struct {
	*memory.CommandRepository
}

func (r lookupFailRepo) FindRecentPending(context.Context, int64, int, string, time.Time) (bool, error) {
	return false, errors.New("timeout")
}

func TestEnqueueFailsOpen(t *testing.T) {
	mem := memory.NewCommandRepository()
	guard, _ := NewEnqueueGuard(lookupFailRepo{mem})
	req := commands.NewCommand{DeviceID: 7, CoilAddress: 2, Verb: "OFF"}

	for i := 0; i < 2; i++ {
		inserted, err := guard.Enqueue(context.Background(), req)
		if err != nil || !inserted {
			t.Fatalf("expected fail-open insert, got inserted=%v err=%v", inserted, err)
		}
	}
	if mem.Len() != 2 {
		t.Fatalf("expected 2 stored commands, got %d", mem.Len())
	}
}

type insertFailRepo struct {
	*memory.CommandRepository
}

func (r insertFailRepo) Insert(context.Context, commands.NewCommand) (int64, error) {
	return 0, errors.New("disk full")
}

func TestEnqueueInsertError(t *testing.T) {
	guard, _ := NewEnqueueGuard(insertFailRepo{memory.NewCommandRepository()})
	inserted, err := guard.Enqueue(context.Background(), commands.NewCommand{DeviceID: 7, CoilAddress: 2, Verb: "ON"})
	if err == nil || inserted {
		t.Fatalf("expected insert error, got inserted=%v err=%v", inserted, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	guard, _ := NewEnqueueGuard(memory.NewCommandRepository())
	for _, req := range []commands.NewCommand{
		{DeviceID: 0, CoilAddress: 1, Verb: "ON"},
		{DeviceID: 1, CoilAddress: -1, Verb: "ON"},
		{DeviceID: 1, CoilAddress: 10000, Verb: "ON"},
		{DeviceID: 1, CoilAddress: 1, Verb: "BLINK"},
	} {
		if _, err := guard.Enqueue(context.Background(), req); err == nil {
			t.Fatalf("expected validation error for %+v", req)
		}
	}
}
