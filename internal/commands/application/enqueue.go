package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	commands "energy-monitoring/internal/commands/domain"
	"energy-monitoring/internal/observability/metrics"
)

const DefaultDedupWindow = 5 * time.Minute

// EnqueueGuard inserts commands unless an identical one is already pending.
type EnqueueGuard struct {
	repo   commands.Repository
	window time.Duration
	now    func() time.Time
	logger logrus.FieldLogger
}

// GuardOption configures the guard.
type GuardOption func(*EnqueueGuard)

// WithDedupWindow sets how far back identical pending commands suppress a new one.
func WithDedupWindow(window time.Duration) GuardOption {
	return func(g *EnqueueGuard) {
		if window > 0 {
			g.window = window
		}
	}
}

// WithGuardClock overrides the guard clock.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *EnqueueGuard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithGuardLogger sets the logger.
func WithGuardLogger(logger logrus.FieldLogger) GuardOption {
	return func(g *EnqueueGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewEnqueueGuard constructs an EnqueueGuard.
func NewEnqueueGuard(repo commands.Repository, opts ...GuardOption) (*EnqueueGuard, error) {
	if repo == nil {
		return nil, errors.New("enqueue guard: nil repo")
	}
	g := &EnqueueGuard{
		repo:   repo,
		window: DefaultDedupWindow,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Enqueue inserts req and reports whether a new command was stored. A failed
// duplicate lookup does not block the insert.
func (g *EnqueueGuard) Enqueue(ctx context.Context, req commands.NewCommand) (bool, error) {
	if err := validateNewCommand(req); err != nil {
		metrics.IncEnqueue(metrics.EnqueueError)
		return false, err
	}
	req.Verb = commands.NormalizeVerb(req.Verb)
	now := g.now()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	log := g.logger.WithFields(logrus.Fields{
		"device_id": req.DeviceID,
		"coil":      req.CoilAddress,
		"verb":      req.Verb,
	})

	exists, err := g.repo.FindRecentPending(ctx, req.DeviceID, req.CoilAddress, req.Verb, now.Add(-g.window))
	switch {
	case err != nil:
		metrics.IncEnqueue(metrics.EnqueueFailOpen)
		log.WithError(err).Warn("duplicate lookup failed, enqueueing anyway")
	case exists:
		metrics.IncEnqueue(metrics.EnqueueDeduped)
		log.Debug("identical command already pending")
		return false, nil
	}

	id, err := g.repo.Insert(ctx, req)
	if err != nil {
		metrics.IncEnqueue(metrics.EnqueueError)
		return false, fmt.Errorf("insert command: %w", err)
	}
	metrics.IncEnqueue(metrics.EnqueueInserted)
	log.WithField("command_id", id).Info("command enqueued")
	return true, nil
}

func validateNewCommand(req commands.NewCommand) error {
	if req.DeviceID <= 0 {
		return errors.New("enqueue: device id required")
	}
	if !commands.ValidCoil(req.CoilAddress) {
		return fmt.Errorf("enqueue: coil address %d out of range", req.CoilAddress)
	}
	switch commands.NormalizeVerb(req.Verb) {
	case commands.VerbOn, commands.VerbOff, commands.VerbToggle:
	default:
		return fmt.Errorf("enqueue: unsupported verb %q", req.Verb)
	}
	return nil
}
