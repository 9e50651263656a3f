package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/c360studio/semflow/api"
	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/definition"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/janitor"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/notify"
	"github.com/c360studio/semflow/retry"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/webhook"
	"github.com/c360studio/semflow/worker"
)

// Options selects which roles this process runs. Every process carries the
// engine, janitor, and webhook dispatcher; the API listener and the worker
// pool are optional so deployments can split serving from executing.
type Options struct {
	// API runs the HTTP listener.
	API bool

	// Worker runs the task executor pool.
	Worker bool
}

// App wires the orchestrator components together and manages their
// lifecycle. Register workflows and handlers before calling Start; the
// stock binary starts with empty registries and acts as a scaffold for
// programs that embed semflow with their own steps.
type App struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	definitions *definition.Registry
	handlers    *worker.Registry

	db       *sqlx.DB
	store    *store.Store
	notifier notify.Notifier
	recorder *metrics.Recorder
	engine   *engine.Engine
	webhooks *webhook.Dispatcher
	janitor  *janitor.Janitor
	worker   *worker.Worker
	httpSrv  *http.Server
}

// NewApp builds an unstarted application around cfg.
func NewApp(cfg *config.Config, opts Options, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		definitions: definition.NewRegistry(),
		handlers:    worker.NewRegistry(),
	}
}

// Definitions exposes the workflow registry for registration before Start.
func (a *App) Definitions() *definition.Registry {
	return a.definitions
}

// Handlers exposes the step handler registry for registration before Start.
func (a *App) Handlers() *worker.Registry {
	return a.handlers
}

// Start connects to Postgres, syncs registered workflows, and brings up the
// selected components. On error everything already started is torn down.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg

	db, err := store.Open(ctx, store.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Std(),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.store = store.New(db)

	a.notifier = a.connectNotifier()

	a.recorder = metrics.New(a.logger)
	a.recorder.RegisterQueueDepth(a.store.CountAcquirableTasks)

	a.engine = engine.New(engine.NewDB(a.store), a.definitions, engine.Config{
		DefaultRetry:     cfg.Retry.Policy(),
		ExecutionTimeout: cfg.Execution.DefaultTimeout.Std(),
	}, a.notifier, a.logger)

	a.webhooks = webhook.New(a.store, webhook.Config{
		Timeout: cfg.Webhook.Timeout.Std(),
		Retry: retry.Policy{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			BaseDelay:   cfg.Webhook.BaseDelay.Std(),
		},
		MaxConcurrent:    cfg.Webhook.MaxConcurrent,
		BreakerThreshold: uint32(cfg.Webhook.BreakerThreshold),
		BreakerCooldown:  cfg.Webhook.BreakerCooldown.Std(),
	}, a.logger)
	a.webhooks.SetObserver(a.recorder)
	a.engine.SetFinishListener(engine.CombineListeners(a.webhooks, a.recorder))

	n, err := a.engine.LoadWorkflows(ctx)
	if err != nil {
		a.teardown(ctx)
		return fmt.Errorf("sync workflows: %w", err)
	}
	a.logger.Info("workflows synced", "count", n)

	if err := a.webhooks.Start(ctx); err != nil {
		a.teardown(ctx)
		return fmt.Errorf("start webhook dispatcher: %w", err)
	}

	a.janitor = janitor.New(a.store, a.engine, janitor.NewLeader(db, a.logger), janitor.Config{
		ReclaimInterval:      cfg.Queue.ReaperInterval.Std(),
		TimeoutCheckInterval: cfg.Execution.TimeoutCheckInterval.Std(),
		TimeoutBatch:         cfg.Execution.TimeoutBatch,
		StaleThreshold:       cfg.Worker.StaleThreshold.Std(),
		RetentionPeriod:      cfg.Janitor.RetentionPeriod.Std(),
		RetentionSchedule:    cfg.Janitor.RetentionSchedule,
	}, a.logger)
	a.janitor.SetObserver(a.recorder)
	if err := a.janitor.Start(ctx); err != nil {
		a.teardown(ctx)
		return fmt.Errorf("start janitor: %w", err)
	}

	if a.opts.Worker {
		a.worker = worker.New(a.store, a.engine, a.definitions, a.handlers, worker.Config{
			Concurrency:       cfg.Worker.Concurrency,
			PollInterval:      cfg.Worker.PollInterval.Std(),
			BatchSize:         cfg.Queue.BatchSize,
			LockTimeout:       cfg.Queue.LockTimeout.Std(),
			HeartbeatInterval: cfg.Worker.HeartbeatInterval.Std(),
			DrainTimeout:      cfg.Worker.DrainTimeout.Std(),
			HandlerTimeout:    cfg.Worker.HandlerTimeout.Std(),
		}, a.notifier, a.logger)
		a.worker.SetObserver(a.recorder)
		if err := a.worker.Start(ctx); err != nil {
			a.teardown(ctx)
			return fmt.Errorf("start worker: %w", err)
		}
		a.logger.Info("worker pool started", "worker_id", a.worker.ID(), "concurrency", cfg.Worker.Concurrency)
	}

	if a.opts.API {
		srv := api.New(a.engine, a.store, a.logger)
		srv.SetMetricsHandler(a.recorder.Handler())
		a.httpSrv = &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      srv.Router(),
			ReadTimeout:  cfg.HTTP.ReadTimeout.Std(),
			WriteTimeout: cfg.HTTP.WriteTimeout.Std(),
		}
		go func() {
			a.logger.Info("http server listening", "addr", cfg.HTTP.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server failed", "error", err)
			}
		}()
	}

	return nil
}

// connectNotifier dials NATS when a URL is configured. Hints are best
// effort, so a failed connection degrades to polling instead of aborting
// startup.
func (a *App) connectNotifier() notify.Notifier {
	url := a.cfg.NATS.URL
	if url == "" {
		a.logger.Debug("no NATS url configured, workers rely on polling")
		return notify.Noop()
	}
	nc, err := notify.ConnectNATS(url, a.cfg.NATS.Subject)
	if err != nil {
		a.logger.Warn("NATS unavailable, task hints disabled",
			"url", url,
			"error", err,
			"hint", "start NATS (e.g. 'nats-server') or clear nats.url; workers fall back to interval polling")
		return notify.Noop()
	}
	a.logger.Info("connected to NATS", "url", url, "subject", a.cfg.NATS.Subject)
	return nc
}

// Stop shuts the components down in dependency order: stop taking requests,
// drain workers, stop sweeps, flush callbacks, then release transports.
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if a.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.HTTP.ShutdownTimeout.Std())
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}

	if a.worker != nil {
		if err := a.worker.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop worker: %w", err))
		}
	}

	if a.janitor != nil {
		if err := a.janitor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop janitor: %w", err))
		}
	}

	if a.webhooks != nil {
		if err := a.webhooks.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop webhook dispatcher: %w", err))
		}
	}

	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	return errors.Join(errs...)
}

// teardown reverses a partial Start. Errors are logged, not returned; the
// caller already has the startup error to report.
func (a *App) teardown(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.Stop(tctx); err != nil {
		a.logger.Warn("teardown after failed start", "error", err)
	}
}
