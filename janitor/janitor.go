// Package janitor runs the periodic maintenance sweeps: orphaned-task
// reclamation, execution timeouts, stale-worker cleanup, and retention
// purges. Every sweep is leader-gated so exactly one instance in the
// cluster does the work at a time.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Store is the persistence surface the sweeps drive.
type Store interface {
	ReclaimExpiredTasks(ctx context.Context) (int64, error)
	SweepStaleWorkers(ctx context.Context, threshold time.Duration) (int, int64, error)
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteStoppedWorkersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Engine times out due executions; the janitor only schedules the sweep.
type Engine interface {
	TimeOutDueExecutions(ctx context.Context, limit int) (int, error)
}

// Gate decides whether this instance runs the sweeps.
type Gate interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Observer receives sweep results, typically for metrics.
type Observer interface {
	TasksReclaimed(n int64)
	WorkersSwept(n int)
}

type noopObserver struct{}

func (noopObserver) TasksReclaimed(int64) {}
func (noopObserver) WorkersSwept(int)     {}

// Config holds sweep cadences. Zero fields take the documented defaults.
type Config struct {
	// ReclaimInterval is the orphaned-task reclaim cadence. Default 30s.
	ReclaimInterval time.Duration

	// TimeoutCheckInterval is the execution-timeout sweep cadence.
	// Default 30s.
	TimeoutCheckInterval time.Duration

	// TimeoutBatch caps executions timed out per sweep; the next tick picks
	// up the rest. Default 100.
	TimeoutBatch int

	// StaleCheckInterval is the stale-worker sweep cadence. Default 1m.
	StaleCheckInterval time.Duration

	// StaleThreshold is the heartbeat age past which a worker counts as
	// dead. Must exceed the worker heartbeat interval. Default 60s.
	StaleThreshold time.Duration

	// RetentionPeriod is how long terminal executions and stopped worker
	// rows are kept. Default 30 days.
	RetentionPeriod time.Duration

	// RetentionSchedule is the purge cron expression. Default "0 3 * * *"
	// (daily at 03:00).
	RetentionSchedule string
}

func (c Config) withDefaults() Config {
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = 30 * time.Second
	}
	if c.TimeoutBatch <= 0 {
		c.TimeoutBatch = 100
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = time.Minute
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 60 * time.Second
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 30 * 24 * time.Hour
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = "0 3 * * *"
	}
	return c
}

// sweepTimeout bounds a single sweep run.
const sweepTimeout = 5 * time.Minute

// Janitor schedules the maintenance sweeps and holds sweep leadership for
// as long as the process lives.
type Janitor struct {
	store  Store
	engine Engine
	gate   Gate
	cfg    Config
	logger *slog.Logger
	obs    Observer
	cron   *cron.Cron

	runCtx context.Context
	cancel context.CancelFunc
}

// New builds a janitor. Schedules are registered by Start.
func New(st Store, eng Engine, gate Gate, cfg Config, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "janitor")
	cl := cronLogger{logger}
	return &Janitor{
		store:  st,
		engine: eng,
		gate:   gate,
		cfg:    cfg.withDefaults(),
		logger: logger,
		obs:    noopObserver{},
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		runCtx: context.Background(),
	}
}

// SetObserver wires sweep results, typically to the metrics recorder. Must
// be called before Start.
func (j *Janitor) SetObserver(o Observer) {
	if o != nil {
		j.obs = o
	}
}

// Start registers the sweep schedules and starts the scheduler. The context
// scopes every sweep; cancel it or call Stop to shut down.
func (j *Janitor) Start(ctx context.Context) error {
	j.runCtx, j.cancel = context.WithCancel(ctx)

	schedules := []struct {
		spec  string
		name  string
		sweep func(context.Context) error
	}{
		{fmt.Sprintf("@every %s", j.cfg.ReclaimInterval), "reclaim", j.reclaimOrphans},
		{fmt.Sprintf("@every %s", j.cfg.TimeoutCheckInterval), "timeout", j.timeOutExecutions},
		{fmt.Sprintf("@every %s", j.cfg.StaleCheckInterval), "stale_workers", j.sweepStaleWorkers},
		{j.cfg.RetentionSchedule, "retention", j.purgeExpired},
	}
	for _, s := range schedules {
		if _, err := j.cron.AddFunc(s.spec, j.leaderOnly(s.name, s.sweep)); err != nil {
			return fmt.Errorf("schedule %s sweep: %w", s.name, err)
		}
	}

	j.cron.Start()
	j.logger.Info("janitor started",
		"reclaim_interval", j.cfg.ReclaimInterval,
		"timeout_interval", j.cfg.TimeoutCheckInterval,
		"stale_interval", j.cfg.StaleCheckInterval,
		"retention_schedule", j.cfg.RetentionSchedule)
	return nil
}

// Stop halts scheduling, waits for running sweeps up to the context
// deadline, and releases leadership.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		j.logger.Warn("sweeps still running at shutdown")
	}
	if err := j.gate.Release(ctx); err != nil {
		j.logger.Warn("releasing leadership failed", "error", err)
	}
	if j.cancel != nil {
		j.cancel()
	}
	j.logger.Info("janitor stopped")
	return nil
}

// leaderOnly wraps a sweep so only the lock holder runs it. Losing the
// election is routine, not an error.
func (j *Janitor) leaderOnly(name string, sweep func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(j.runCtx, sweepTimeout)
		defer cancel()

		lead, err := j.gate.TryAcquire(ctx)
		if err != nil {
			j.logger.Warn("leader check failed", "sweep", name, "error", err)
			return
		}
		if !lead {
			return
		}
		if err := sweep(ctx); err != nil {
			j.logger.Error("sweep failed", "sweep", name, "error", err)
		}
	}
}

func (j *Janitor) reclaimOrphans(ctx context.Context) error {
	n, err := j.store.ReclaimExpiredTasks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		j.obs.TasksReclaimed(n)
		j.logger.Info("reclaimed orphaned tasks", "count", n)
	}
	return nil
}

func (j *Janitor) timeOutExecutions(ctx context.Context) error {
	n, err := j.engine.TimeOutDueExecutions(ctx, j.cfg.TimeoutBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("timed out executions", "count", n)
	}
	return nil
}

func (j *Janitor) sweepStaleWorkers(ctx context.Context) error {
	workers, released, err := j.store.SweepStaleWorkers(ctx, j.cfg.StaleThreshold)
	if err != nil {
		return err
	}
	if workers > 0 {
		j.obs.WorkersSwept(workers)
		j.logger.Info("swept stale workers", "workers", workers, "released_tasks", released)
	}
	return nil
}

func (j *Janitor) purgeExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-j.cfg.RetentionPeriod)
	executions, err := j.store.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	workers, err := j.store.DeleteStoppedWorkersBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if executions > 0 || workers > 0 {
		j.logger.Info("purged expired records", "executions", executions, "worker_rows", workers)
	}
	return nil
}

// cronLogger adapts the scheduler's logging to slog. Schedule chatter goes
// to debug; only real errors surface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug(msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}
