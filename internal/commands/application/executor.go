package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"energy-monitoring/internal/audit"
	commands "energy-monitoring/internal/commands/domain"
	"energy-monitoring/internal/observability/metrics"
)

const (
	DefaultBackoff = time.Second

	errUnknown = "unknown_error"
)

// OutcomeRecorder records execution outcomes to the audit trail.
type OutcomeRecorder interface {
	Record(ctx context.Context, outcome audit.Outcome) error
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execution is the terminal outcome of one command.
type Execution struct {
	CommandID     int64
	Result        string
	Error         string
	Attempts      int
	Idempotent    bool
	PreviousState *bool
	TargetState   bool
}

// Executor drives one queued command to a terminal result.
type Executor struct {
	repo     commands.Repository
	dialer   commands.DeviceDialer
	recorder OutcomeRecorder
	register int
	backoff  time.Duration
	sleep    Sleeper
	logger   logrus.FieldLogger
}

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithBackoff sets the constant wait between write attempts.
func WithBackoff(backoff time.Duration) ExecutorOption {
	return func(e *Executor) {
		if backoff >= 0 {
			e.backoff = backoff
		}
	}
}

// WithSleeper overrides how backoff waits are performed.
func WithSleeper(sleep Sleeper) ExecutorOption {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithControlRegister overrides the register that drives the breaker.
func WithControlRegister(register int) ExecutorOption {
	return func(e *Executor) {
		if register >= 0 {
			e.register = register
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger logrus.FieldLogger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor constructs an Executor. recorder may be nil.
func NewExecutor(repo commands.Repository, dialer commands.DeviceDialer, recorder OutcomeRecorder, opts ...ExecutorOption) (*Executor, error) {
	if repo == nil {
		return nil, errors.New("executor: nil repo")
	}
	if dialer == nil {
		return nil, errors.New("executor: nil dialer")
	}
	e := &Executor{
		repo:     repo,
		dialer:   dialer,
		recorder: recorder,
		register: commands.ControlRegister,
		backoff:  DefaultBackoff,
		sleep:    SleepContext,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs cmd against its device and persists the terminal result. The
// returned error is non-nil only when the result could not be persisted.
// Cancellation of ctx does not interrupt a command once started; callers stop
// between commands.
func (e *Executor) Execute(ctx context.Context, cmd commands.Command) (Execution, error) {
	ctx = context.WithoutCancel(ctx)
	exec := Execution{CommandID: cmd.ID, Result: commands.ResultFailed}
	log := e.logger.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"device_id":  cmd.DeviceID,
		"coil":       cmd.CoilAddress,
		"verb":       cmd.Verb,
	})

	conn, err := e.dial(ctx, cmd)
	if err != nil {
		exec.Error = "connect_failed:" + cmd.DeviceAddress
		log.WithError(err).Warn("device connect failed")
		return exec, e.persist(ctx, exec)
	}

	current, known, err := conn.ReadCoil(ctx, cmd.CoilAddress)
	if err != nil {
		log.WithError(err).Debug("coil read failed")
		known = false
	}
	if known {
		exec.PreviousState = &current
	}
	exec.TargetState = commands.ResolveTarget(cmd.Verb, current, known)

	if known && current == exec.TargetState {
		closeQuietly(conn)
		exec.Result = commands.ResultSuccess
		exec.Idempotent = true
		metrics.IncIdempotent()
		if err := e.persist(ctx, exec); err != nil {
			return exec, err
		}
		e.record(ctx, cmd, exec, log)
		log.Info("device already in target state")
		return exec, nil
	}

	ok, lastErr, attempts := e.writeWithRetry(ctx, conn, cmd, exec.TargetState)
	closeQuietly(conn)
	exec.Attempts = attempts
	if ok {
		exec.Result = commands.ResultSuccess
	} else {
		exec.Error = lastErr
		if exec.Error == "" {
			exec.Error = errUnknown
		}
	}

	if err := e.persist(ctx, exec); err != nil {
		return exec, err
	}
	e.record(ctx, cmd, exec, log)
	if ok {
		log.WithField("attempts", attempts).Info("command executed")
	} else {
		log.WithFields(logrus.Fields{"attempts": attempts, "error": exec.Error}).Warn("command failed")
	}
	return exec, nil
}

func (e *Executor) dial(ctx context.Context, cmd commands.Command) (commands.DeviceConn, error) {
	if cmd.DeviceAddress == "" {
		return nil, errors.New("missing device address")
	}
	return e.dialer.Dial(ctx, cmd.DeviceAddress, cmd.EffectiveUnitID())
}

func (e *Executor) writeWithRetry(ctx context.Context, conn commands.DeviceConn, cmd commands.Command, target bool) (bool, string, int) {
	maxAttempts := cmd.EffectiveMaxRetries()
	value := commands.StateValue(target)
	var lastErr string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ok, err := conn.WriteRegister(ctx, e.register, value)
		switch {
		case err != nil:
			lastErr = fmt.Sprintf("attempt_error:%d:%v", attempt, err)
			metrics.IncWriteAttempt(metrics.AttemptError)
		case ok:
			metrics.IncWriteAttempt(metrics.AttemptAcked)
			return true, "", attempt
		default:
			lastErr = fmt.Sprintf("attempt_failed:%d", attempt)
			metrics.IncWriteAttempt(metrics.AttemptRejected)
		}
		if attempt == maxAttempts {
			return false, lastErr, attempt
		}
		if err := e.sleep(ctx, e.backoff); err != nil {
			return false, lastErr, attempt
		}
	}
	return false, lastErr, maxAttempts
}

func (e *Executor) persist(ctx context.Context, exec Execution) error {
	if err := e.repo.WriteResult(ctx, exec.CommandID, exec.Result, exec.Error, exec.Attempts); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	metrics.IncCommandResult(exec.Result)
	return nil
}

func (e *Executor) record(ctx context.Context, cmd commands.Command, exec Execution, log logrus.FieldLogger) {
	if e.recorder == nil {
		return
	}
	err := e.recorder.Record(ctx, audit.Outcome{
		CommandID:     cmd.ID,
		DeviceID:      cmd.DeviceID,
		PreviousState: exec.PreviousState,
		NewState:      exec.TargetState,
		ControlType:   commands.ControlType(cmd.Verb),
		Success:       exec.Result == commands.ResultSuccess,
		Source:        cmd.Source,
		Reason:        cmd.Reason,
		Notes:         cmd.Notes,
		Error:         exec.Error,
	})
	if err != nil {
		log.WithError(err).Warn("outcome recording failed")
	}
}

func closeQuietly(conn commands.DeviceConn) {
	if conn == nil {
		return
	}
	_ = conn.Close()
}
