package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"energy-monitoring/internal/audit"
	auditcache "energy-monitoring/internal/audit/cache"
	auditnotify "energy-monitoring/internal/audit/notify"
	cmdapp "energy-monitoring/internal/commands/application"
	commands "energy-monitoring/internal/commands/domain"
	commandsrepo "energy-monitoring/internal/commands/infrastructure/postgres"
	"energy-monitoring/internal/config"
	enforceapp "energy-monitoring/internal/enforcement/application"
	masterdatarepo "energy-monitoring/internal/masterdata/infrastructure/postgres"
	"energy-monitoring/internal/modbusadapter"
	"energy-monitoring/internal/observability/logging"
	"energy-monitoring/internal/observability/metrics"
	"energy-monitoring/internal/storage/migrations"
	"energy-monitoring/internal/worker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "breaker-worker",
		Short:         "Breaker control worker: drains the command queue and enforces account quotas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML config file (default $WORKER_CONFIG)")
	root.AddCommand(
		newRunCommand(flags),
		newOnceCommand(flags),
		newEnqueueCommand(flags),
		newMigrateCommand(flags),
	)
	return root
}

func loadConfig(flags *globalFlags) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(config.Options{File: flags.configFile, DotEnv: []string{".env"}})
	if err != nil {
		return cfg, nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker loop until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var scheduler *worker.Scheduler
			if cfg.DryRun {
				metrics.Init(nil, logger)
				scheduler, err = worker.NewScheduler(nil, nil,
					worker.WithDryRun(true),
					worker.WithIntervals(cfg.PollInterval.Duration(), cfg.BusyInterval.Duration()),
					worker.WithLogger(logging.Component(logger, "scheduler")),
				)
				if err != nil {
					return err
				}
			} else {
				w, err := buildWorker(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer w.Close(logger)
				scheduler = w.scheduler
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				scheduler.Start(gctx)
				return nil
			})
			if cfg.MetricsAddr != "" {
				serveMetrics(gctx, g, cfg.MetricsAddr, logger)
			}
			return g.Wait()
		},
	}
}

func newOnceCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single enforcement and dispatch cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.DryRun {
				logger.Info("dry run: nothing to do")
				return nil
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			w, err := buildWorker(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer w.Close(logger)
			count := w.scheduler.RunCycle(ctx)
			logger.WithField("commands", count).Info("cycle complete")
			return nil
		},
	}
}

func newEnqueueCommand(flags *globalFlags) *cobra.Command {
	var (
		req  commands.NewCommand
		verb string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a breaker command through the deduplicating guard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("enqueue requires DATABASE_URL or PG_DSN")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			db, err := openDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			guard, err := cmdapp.NewEnqueueGuard(commandsrepo.NewCommandRepository(db),
				cmdapp.WithDedupWindow(cfg.DedupWindow.Duration()),
				cmdapp.WithGuardLogger(logging.Component(logger, "enqueue")),
			)
			if err != nil {
				return err
			}
			req.Verb = verb
			inserted, err := guard.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			if !inserted {
				fmt.Fprintln(cmd.OutOrStdout(), "identical command already pending; not enqueued")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "command enqueued")
			return nil
		},
	}
	cmd.Flags().Int64Var(&req.DeviceID, "device", 0, "target device id")
	cmd.Flags().IntVar(&req.CoilAddress, "coil", 0, "breaker coil address (0-9999)")
	cmd.Flags().StringVar(&verb, "verb", "", "ON, OFF or TOGGLE")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "free-form reason")
	cmd.Flags().StringVar(&req.Source, "source", commands.ControlManual, "command source")
	cmd.Flags().StringVar(&req.RequestedBy, "requested-by", "cli", "requesting actor")
	cmd.Flags().IntVar(&req.MaxRetries, "max-retries", commands.DefaultMaxRetries, "write attempts")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "operator notes")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("verb")
	return cmd
}

func newMigrateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("migrate requires DATABASE_URL or PG_DSN")
			}
			db, err := openDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := migrations.Up(db); err != nil {
				return err
			}
			logger.Info("schema up to date")
			return nil
		},
	}
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

type workerDeps struct {
	scheduler *worker.Scheduler
	closers   []func() error
}

// Close releases resources in reverse order of acquisition.
func (w *workerDeps) Close(logger logrus.FieldLogger) {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			logger.WithError(err).Warn("close failed")
		}
	}
}

func buildWorker(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*workerDeps, error) {
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	w := &workerDeps{closers: []func() error{db.Close}}
	fail := func(err error) (*workerDeps, error) {
		w.Close(logger)
		return nil, err
	}

	metrics.Init(db, logging.Component(logger, "metrics"))

	commandRepo := commandsrepo.NewCommandRepository(db)
	recorderOpts := []audit.RecorderOption{}
	var lease worker.Lease
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse REDIS_URL: %w", err))
		}
		client := redis.NewClient(opts)
		w.closers = append(w.closers, client.Close)
		statusCache, err := auditcache.NewRedisStatusCache(client)
		if err != nil {
			return fail(err)
		}
		recorderOpts = append(recorderOpts, audit.WithStatusCache(statusCache))
		if lease, err = worker.NewRedisLease(client, cfg.LeaseKey, cfg.LeaseTTL.Duration()); err != nil {
			return fail(err)
		}
	}
	if cfg.NATSURL != "" {
		publisher, err := auditnotify.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.WithError(err).Warn("event publishing disabled")
		} else {
			w.closers = append(w.closers, publisher.Close)
			recorderOpts = append(recorderOpts, audit.WithEventPublisher(publisher))
		}
	}
	recorder, err := audit.NewRecorder(audit.NewRepository(db), recorderOpts...)
	if err != nil {
		return fail(err)
	}

	dialer := modbusadapter.NewDialer(
		modbusadapter.WithPort(cfg.ModbusPort),
		modbusadapter.WithTimeout(cfg.ModbusTimeout.Duration()),
	)
	executor, err := cmdapp.NewExecutor(commandRepo, dialer, recorder,
		cmdapp.WithBackoff(cfg.RetryBackoff.Duration()),
		cmdapp.WithExecutorLogger(logging.Component(logger, "executor")),
	)
	if err != nil {
		return fail(err)
	}
	dispatcher, err := cmdapp.NewDispatcher(commandRepo, executor, cfg.BatchSize, logging.Component(logger, "dispatcher"))
	if err != nil {
		return fail(err)
	}
	guard, err := cmdapp.NewEnqueueGuard(commandRepo,
		cmdapp.WithDedupWindow(cfg.DedupWindow.Duration()),
		cmdapp.WithGuardLogger(logging.Component(logger, "enqueue")),
	)
	if err != nil {
		return fail(err)
	}
	engine, err := enforceapp.NewEngine(masterdatarepo.NewRepository(db), guard, logging.Component(logger, "enforcement"))
	if err != nil {
		return fail(err)
	}

	schedulerOpts := []worker.Option{
		worker.WithIntervals(cfg.PollInterval.Duration(), cfg.BusyInterval.Duration()),
		worker.WithLogger(logging.Component(logger, "scheduler")),
	}
	if lease != nil {
		schedulerOpts = append(schedulerOpts, worker.WithLease(lease))
	}
	w.scheduler, err = worker.NewScheduler(engine, dispatcher, schedulerOpts...)
	if err != nil {
		return fail(err)
	}
	return w, nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, logger logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.WithField("addr", addr).Info("metrics listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
