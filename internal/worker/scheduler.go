package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	cmdapp "energy-monitoring/internal/commands/application"
	enforceapp "energy-monitoring/internal/enforcement/application"
	"energy-monitoring/internal/observability/metrics"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBusyInterval = time.Second
)

// Enforcer runs one enforcement pass.
type Enforcer interface {
	Run(ctx context.Context) (enforceapp.Report, error)
}

// BatchDispatcher drains one batch of pending commands.
type BatchDispatcher interface {
	Dispatch(ctx context.Context) (int, error)
}

// Scheduler drives enforcement and dispatch at an adaptive cadence.
type Scheduler struct {
	enforcer   Enforcer
	dispatcher BatchDispatcher
	lease      Lease
	dryRun     bool
	poll       time.Duration
	busy       time.Duration
	sleep      cmdapp.Sleeper
	logger     logrus.FieldLogger
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithDryRun makes the scheduler idle without touching devices or the queue.
func WithDryRun(dryRun bool) Option {
	return func(s *Scheduler) {
		s.dryRun = dryRun
	}
}

// WithIntervals sets the idle and busy sleep durations.
func WithIntervals(poll, busy time.Duration) Option {
	return func(s *Scheduler) {
		if poll > 0 {
			s.poll = poll
		}
		if busy > 0 {
			s.busy = busy
		}
	}
}

// WithLease runs cycles only while holding lease.
func WithLease(lease Lease) Option {
	return func(s *Scheduler) {
		s.lease = lease
	}
}

// WithSleeper overrides how the scheduler waits between cycles.
func WithSleeper(sleep cmdapp.Sleeper) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler constructs a Scheduler. enforcer and dispatcher may be nil only
// in dry run.
func NewScheduler(enforcer Enforcer, dispatcher BatchDispatcher, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		enforcer:   enforcer,
		dispatcher: dispatcher,
		poll:       DefaultPollInterval,
		busy:       DefaultBusyInterval,
		sleep:      cmdapp.SleepContext,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.dryRun {
		if s.enforcer == nil {
			return nil, errors.New("scheduler: nil enforcer")
		}
		if s.dispatcher == nil {
			return nil, errors.New("scheduler: nil dispatcher")
		}
	}
	return s, nil
}

// Start loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.dryRun {
		s.logger.WithField("poll_interval", s.poll.String()).Info("dry run: worker idle")
		for {
			if err := s.sleep(ctx, s.poll); err != nil {
				return
			}
		}
	}
	s.logger.WithFields(logrus.Fields{
		"poll_interval": s.poll.String(),
		"busy_interval": s.busy.String(),
	}).Info("worker started")
	for {
		if ctx.Err() != nil {
			break
		}
		count := s.RunCycle(ctx)
		if err := s.sleep(ctx, s.NextDelay(count)); err != nil {
			break
		}
	}
	s.logger.Info("worker stopped")
}

// NextDelay returns the wait after a cycle that processed count commands.
func (s *Scheduler) NextDelay(count int) time.Duration {
	if count > 0 {
		return s.busy
	}
	return s.poll
}

// RunCycle runs enforcement followed by one dispatch batch and returns the number
// of commands fetched. Errors are logged; a failed dispatch counts as zero.
func (s *Scheduler) RunCycle(ctx context.Context) int {
	if s.dryRun {
		return 0
	}
	if s.lease != nil {
		held, err := s.lease.Acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrLeaseNotHeld) {
				s.logger.Debug("lease held by another worker")
			} else {
				s.logger.WithError(err).Warn("lease acquire failed")
			}
			return 0
		}
		defer func() {
			if err := held.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WithError(err).Warn("lease release failed")
			}
		}()
	}

	s.enforce(ctx)
	return s.dispatch(ctx)
}

func (s *Scheduler) enforce(ctx context.Context) {
	start := time.Now()
	report, err := guard(func() (enforceapp.Report, error) { return s.enforcer.Run(ctx) })
	if err == nil {
		err = report.Err
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		s.logger.WithError(err).Error("enforcement pass failed")
	}
	metrics.ObserveCycle(metrics.PhaseEnforcement, result, time.Since(start))
	if report.Enqueued > 0 {
		s.logger.WithFields(logrus.Fields{
			"accounts": report.Accounts,
			"devices":  report.Devices,
			"enqueued": report.Enqueued,
			"deduped":  report.Deduped,
		}).Info("enforcement pass enqueued commands")
	}
}

func (s *Scheduler) dispatch(ctx context.Context) int {
	start := time.Now()
	count, err := guard(func() (int, error) { return s.dispatcher.Dispatch(ctx) })
	if err != nil {
		metrics.ObserveCycle(metrics.PhaseDispatch, metrics.ResultError, time.Since(start))
		if ctx.Err() == nil {
			s.logger.WithError(err).Error("dispatch failed")
		}
		return 0
	}
	metrics.ObserveCycle(metrics.PhaseDispatch, metrics.ResultSuccess, time.Since(start))
	return count
}

func guard[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
