package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	commands "energy-monitoring/internal/commands/domain"
	enforcement "energy-monitoring/internal/enforcement/domain"
	masterdata "energy-monitoring/internal/masterdata/domain"
	"energy-monitoring/internal/observability/metrics"
)

// Enqueuer submits corrective commands.
type Enqueuer interface {
	Enqueue(ctx context.Context, req commands.NewCommand) (bool, error)
}

// Report summarizes one enforcement pass.
type Report struct {
	Accounts int
	Devices  int
	Enqueued int
	Deduped  int
	Failed   int
	Err      error
}

// Engine compares account usage against allocation and enqueues breaker commands.
type Engine struct {
	reader   masterdata.Reader
	enqueuer Enqueuer
	logger   logrus.FieldLogger
}

// NewEngine constructs an enforcement engine.
func NewEngine(reader masterdata.Reader, enqueuer Enqueuer, logger logrus.FieldLogger) (*Engine, error) {
	if reader == nil {
		return nil, errors.New("enforcement: nil masterdata reader")
	}
	if enqueuer == nil {
		return nil, errors.New("enforcement: nil enqueuer")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{reader: reader, enqueuer: enqueuer, logger: logger}, nil
}

// Run evaluates every active account once. Failures of one account are collected
// in the report and never stop the remaining accounts; only a failure to list
// accounts is returned as an error.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	var report Report
	accounts, err := e.reader.ListActiveAccounts(ctx)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}

	var errs []error
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.Accounts++
		if err := e.runAccount(ctx, account, &report); err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", account.ID, err))
		}
	}
	report.Err = errors.Join(errs...)
	return report, nil
}

func (e *Engine) runAccount(ctx context.Context, account masterdata.Account, report *Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	log := e.logger.WithField("account_id", account.ID)
	if err := account.Validate(); err != nil {
		return err
	}
	devices, err := e.reader.ListActiveDevices(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	var errs []error
	for _, decision := range enforcement.Evaluate(account, devices) {
		report.Devices++
		metrics.IncEnforcementDecision(decision.Verb)
		inserted, err := e.enqueuer.Enqueue(ctx, decision.Command())
		switch {
		case err != nil:
			report.Failed++
			errs = append(errs, fmt.Errorf("device %d: %w", decision.DeviceID, err))
		case inserted:
			report.Enqueued++
			log.WithFields(logrus.Fields{
				"device_id": decision.DeviceID,
				"verb":      decision.Verb,
				"usage_pct": decision.UsagePercent.StringFixed(2),
			}).Info("corrective command enqueued")
		default:
			report.Deduped++
		}
	}
	return errors.Join(errs...)
}
