package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	commands "energy-monitoring/internal/commands/domain"
	"energy-monitoring/internal/observability/metrics"
)

const DefaultBatchSize = 20

// CommandRunner executes a single command.
type CommandRunner interface {
	Execute(ctx context.Context, cmd commands.Command) (Execution, error)
}

// Dispatcher drains PENDING commands in FIFO order, one at a time.
type Dispatcher struct {
	repo      commands.Repository
	runner    CommandRunner
	batchSize int
	logger    logrus.FieldLogger
}

// NewDispatcher constructs a Dispatcher. A non-positive batchSize uses the default.
func NewDispatcher(repo commands.Repository, runner CommandRunner, batchSize int, logger logrus.FieldLogger) (*Dispatcher, error) {
	if repo == nil {
		return nil, errors.New("dispatcher: nil repo")
	}
	if runner == nil {
		return nil, errors.New("dispatcher: nil runner")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{repo: repo, runner: runner, batchSize: batchSize, logger: logger}, nil
}

// Dispatch fetches one batch and executes it sequentially. It returns the number
// of commands fetched. Failures of individual commands are converted to FAILED
// results and never abort the batch; only a fetch failure is returned.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	cmds, err := d.repo.FetchPending(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}
	metrics.ObserveBatch(len(cmds))
	if len(cmds) == 0 {
		return 0, nil
	}
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return len(cmds), err
		}
		if err := d.runOne(ctx, cmd); err != nil {
			d.fail(ctx, cmd, err)
		}
	}
	return len(cmds), nil
}

func (d *Dispatcher) runOne(ctx context.Context, cmd commands.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = d.runner.Execute(ctx, cmd)
	return err
}

func (d *Dispatcher) fail(ctx context.Context, cmd commands.Command, cause error) {
	log := d.logger.WithFields(logrus.Fields{"command_id": cmd.ID, "device_id": cmd.DeviceID})
	log.WithError(cause).Error("command execution failed unexpectedly")
	err := d.repo.WriteResult(context.WithoutCancel(ctx), cmd.ID, commands.ResultFailed, "unexpected:"+cause.Error(), cmd.RetryCount)
	if err == nil {
		metrics.IncCommandResult(commands.ResultFailed)
		return
	}
	if !errors.Is(err, commands.ErrResultAlreadyWritten) {
		log.WithError(err).Error("fallback result write failed")
	}
}
