package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/definition"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/notify"
	"github.com/c360studio/semflow/store"
)

// Queue is the store surface the worker drives.
type Queue interface {
	AcquireTasks(ctx context.Context, workerID string, limit int, lockTimeout time.Duration) ([]*store.Task, error)
	MarkTaskRunning(ctx context.Context, id string, version int64) (*store.Task, error)
	UpdateTaskMetadata(ctx context.Context, id string, version int64, metadata store.JSONMap) (*store.Task, error)
	ReleaseTask(ctx context.Context, id, workerID string) error
	ReleaseTasksLockedBy(ctx context.Context, workerID string) (int64, error)
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	RegisterWorker(ctx context.Context, workerID, hostname string, concurrency int) (*store.WorkerRecord, error)
	HeartbeatWorker(ctx context.Context, workerID string, activeTasks int) error
	MarkWorkerDraining(ctx context.Context, workerID string) error
	DeregisterWorker(ctx context.Context, workerID string) error
}

// Advancer concludes tasks: completion-plus-advancement in one transaction,
// or the retry/dead-letter path.
type Advancer interface {
	CompleteAndAdvance(ctx context.Context, task *store.Task, output store.JSONMap) (*engine.CompletionResult, error)
	FailAndMaybeDeadLetter(ctx context.Context, task *store.Task, handlerErr string) (*engine.FailureResult, error)
}

// Observer receives task lifecycle events, typically for metrics. Methods
// must be cheap and non-blocking.
type Observer interface {
	TasksAcquired(n int)
	TaskCompleted(workflow, step string, seconds float64)
	TaskFailed(workflow, step string, deadLettered bool)
}

type noopObserver struct{}

func (noopObserver) TasksAcquired(int)                     {}
func (noopObserver) TaskCompleted(string, string, float64) {}
func (noopObserver) TaskFailed(string, string, bool)       {}

// Config holds worker settings. Zero fields take the documented defaults.
type Config struct {
	// Concurrency caps parallel handler invocations. Default 5.
	Concurrency int

	// PollInterval is the queue poll tick. Default 200ms.
	PollInterval time.Duration

	// BatchSize caps tasks per acquire call and sizes the prefetch buffer.
	// Default 5.
	BatchSize int

	// LockTimeout is the claim lifetime written on acquired tasks. Must be
	// much larger than PollInterval. Default 5m.
	LockTimeout time.Duration

	// HeartbeatInterval is the worker-row heartbeat cadence. Default 10s.
	HeartbeatInterval time.Duration

	// DrainTimeout bounds the wait for in-flight handlers at shutdown.
	// Default 30s.
	DrainTimeout time.Duration

	// HandlerTimeout bounds handler invocations for steps that do not set
	// their own. Zero means no limit.
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// In-memory lifecycle, distinct from the worker-row status.
const (
	lifecycleStarting int32 = iota
	lifecycleRunning
	lifecycleDraining
	lifecycleStopped
)

// wakeDebounce is the minimum gap between notifier-triggered polls.
const wakeDebounce = 50 * time.Millisecond

// Worker polls the queue and runs handlers. One Worker per process is
// typical; each gets a unique id so claims and heartbeats stay attributable.
type Worker struct {
	id       string
	hostname string
	cfg      Config
	queue    Queue
	advancer Advancer
	defs     *definition.Registry
	handlers *Registry
	notifier notify.Notifier
	logger   *slog.Logger
	obs      Observer

	state  atomic.Int32
	active atomic.Int32

	prefetch    chan *store.Task
	prefetching atomic.Bool

	taskSem chan struct{}
	advSem  chan struct{}

	pollNow  chan struct{}
	stopPoll chan struct{}
	pollDone chan struct{}
	stopBeat chan struct{}

	wakeMu   sync.Mutex
	lastWake time.Time

	runCtx    context.Context
	cancelRun context.CancelFunc
	unsub     func()

	wgHandlers sync.WaitGroup
	wgAdvance  sync.WaitGroup
	wgLoops    sync.WaitGroup
}

// New builds a worker. A nil notifier degrades to fixed-interval polling; a
// nil logger uses the process default.
func New(queue Queue, advancer Advancer, defs *definition.Registry, handlers *Registry, cfg Config, notifier notify.Notifier, logger *slog.Logger) *Worker {
	if notifier == nil {
		notifier = notify.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	id := hostname + "-" + uuid.NewString()[:8]
	return &Worker{
		id:       id,
		hostname: hostname,
		cfg:      cfg,
		queue:    queue,
		advancer: advancer,
		defs:     defs,
		handlers: handlers,
		notifier: notifier,
		logger:   logger.With("component", "worker", "worker_id", id),
		obs:      noopObserver{},
		prefetch: make(chan *store.Task, cfg.BatchSize),
		taskSem:  make(chan struct{}, cfg.Concurrency),
		advSem:   make(chan struct{}, cfg.Concurrency),
		pollNow:  make(chan struct{}, 1),
		stopPoll: make(chan struct{}),
		pollDone: make(chan struct{}),
		stopBeat: make(chan struct{}),
	}
}

// ID returns the worker id claims are attributed to.
func (w *Worker) ID() string {
	return w.id
}

// ActiveTasks returns the number of handlers currently running.
func (w *Worker) ActiveTasks() int {
	return int(w.active.Load())
}

// SetObserver wires task lifecycle events, typically to the metrics
// recorder. Must be called before Start.
func (w *Worker) SetObserver(o Observer) {
	if o != nil {
		w.obs = o
	}
}

// Start registers the worker row, subscribes to the notifier, and starts the
// poll and heartbeat loops. The context governs all background work; cancel
// it only as a last resort, Stop is the orderly path.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(lifecycleStarting, lifecycleRunning) {
		return errors.New("worker already started")
	}
	if _, err := w.queue.RegisterWorker(ctx, w.id, w.hostname, w.cfg.Concurrency); err != nil {
		w.state.Store(lifecycleStopped)
		return fmt.Errorf("register worker: %w", err)
	}

	w.runCtx, w.cancelRun = context.WithCancel(ctx)

	unsub, err := w.notifier.Subscribe(w.wake)
	if err != nil {
		w.logger.Warn("task notifications unavailable, polling only", "error", err)
	} else {
		w.unsub = unsub
	}

	w.wgLoops.Add(2)
	go w.pollLoop()
	go w.heartbeatLoop()

	w.logger.Info("worker started",
		"concurrency", w.cfg.Concurrency, "poll_interval", w.cfg.PollInterval)
	return nil
}

// Stop drains the worker: no new claims, in-flight handlers get
// DrainTimeout, buffered and leftover claims are handed back, and the worker
// row is deregistered. Safe to call once; later calls are no-ops.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.state.CompareAndSwap(lifecycleRunning, lifecycleDraining) {
		return nil
	}
	w.logger.Info("worker draining", "active_tasks", w.active.Load())
	if err := w.queue.MarkWorkerDraining(ctx, w.id); err != nil {
		w.logger.Warn("marking worker row draining failed", "error", err)
	}

	if w.unsub != nil {
		w.unsub()
	}
	close(w.stopPoll)
	// A cycle already underway may still be handing out tasks; every
	// wgHandlers add happens before the loop acknowledges the stop.
	<-w.pollDone

	if !waitTimeout(&w.wgHandlers, w.cfg.DrainTimeout) {
		w.logger.Warn("drain timeout exceeded, cancelling in-flight handlers")
		w.cancelRun()
		waitTimeout(&w.wgHandlers, time.Second)
	}
	if !waitTimeout(&w.wgAdvance, w.cfg.DrainTimeout/2) {
		w.logger.Warn("advancement jobs abandoned at shutdown")
	}

	released := 0
buffered:
	for {
		select {
		case task := <-w.prefetch:
			if err := w.queue.ReleaseTask(ctx, task.ID, w.id); err != nil {
				w.logger.Warn("releasing buffered task failed", "task_id", task.ID, "error", err)
			} else {
				released++
			}
		default:
			break buffered
		}
	}
	if released > 0 {
		w.logger.Info("released buffered tasks", "count", released)
	}

	if n, err := w.queue.ReleaseTasksLockedBy(ctx, w.id); err != nil {
		w.logger.Warn("releasing leftover claims failed", "error", err)
	} else if n > 0 {
		w.logger.Info("released leftover claims", "count", n)
	}

	close(w.stopBeat)
	if err := w.queue.DeregisterWorker(ctx, w.id); err != nil {
		w.logger.Warn("deregistering worker row failed", "error", err)
	}

	w.state.Store(lifecycleStopped)
	w.cancelRun()
	w.wgLoops.Wait()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) lifecycle() int32 {
	return w.state.Load()
}

// wake fires an out-of-schedule poll, debounced so notification bursts cost
// one extra poll. Called from the notifier callback; must not block.
func (w *Worker) wake() {
	w.wakeMu.Lock()
	now := time.Now()
	if now.Sub(w.lastWake) < wakeDebounce {
		w.wakeMu.Unlock()
		return
	}
	w.lastWake = now
	w.wakeMu.Unlock()

	select {
	case w.pollNow <- struct{}{}:
	default:
	}
}

func (w *Worker) pollLoop() {
	defer w.wgLoops.Done()
	defer close(w.pollDone)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopPoll:
			return
		case <-w.runCtx.Done():
			return
		case <-ticker.C:
			w.poll()
		case <-w.pollNow:
			w.poll()
		}
	}
}

func (w *Worker) heartbeatLoop() {
	defer w.wgLoops.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopBeat:
			return
		case <-w.runCtx.Done():
			return
		case <-ticker.C:
			if err := w.queue.HeartbeatWorker(w.runCtx, w.id, int(w.active.Load())); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// poll runs one cycle: figure out free capacity, serve it from the prefetch
// buffer first, top up with a single acquire, and keep the buffer warm.
func (w *Worker) poll() {
	if w.lifecycle() != lifecycleRunning {
		return
	}
	available := w.cfg.Concurrency - int(w.active.Load())
	if available <= 0 {
		return
	}

	tasks := make([]*store.Task, 0, available)
buffer:
	for len(tasks) < available {
		select {
		case task := <-w.prefetch:
			tasks = append(tasks, task)
		default:
			break buffer
		}
	}

	if remaining := min(available-len(tasks), w.cfg.BatchSize); remaining > 0 {
		acquired, err := w.queue.AcquireTasks(w.runCtx, w.id, remaining, w.cfg.LockTimeout)
		if err != nil {
			w.logger.Error("task acquisition failed", "error", err)
		} else {
			if len(acquired) > 0 {
				w.obs.TasksAcquired(len(acquired))
			}
			tasks = append(tasks, acquired...)
		}
	}

	for _, task := range tasks {
		w.startTask(task)
	}

	if len(w.prefetch) == 0 {
		w.schedulePrefetch()
	}
}

// startTask hands a claimed task to the handler executor. The active counter
// moves synchronously so the next poll sees the capacity taken.
func (w *Worker) startTask(task *store.Task) {
	w.active.Add(1)
	w.wgHandlers.Add(1)
	go func() {
		defer w.wgHandlers.Done()
		defer w.active.Add(-1)
		w.taskSem <- struct{}{}
		defer func() { <-w.taskSem }()
		w.runTask(task)
	}()
}

// schedulePrefetch submits one background acquire to keep the buffer warm.
// At most one prefetch job runs at a time, keeping the buffer
// single-producer.
func (w *Worker) schedulePrefetch() {
	if !w.prefetching.CompareAndSwap(false, true) {
		return
	}
	w.submitAdvance(func(ctx context.Context) {
		defer w.prefetching.Store(false)
		if w.lifecycle() != lifecycleRunning {
			return
		}
		tasks, err := w.queue.AcquireTasks(ctx, w.id, w.cfg.BatchSize, w.cfg.LockTimeout)
		if err != nil {
			w.logger.Warn("prefetch failed", "error", err)
			return
		}
		if len(tasks) > 0 {
			w.obs.TasksAcquired(len(tasks))
		}
		for _, task := range tasks {
			select {
			case w.prefetch <- task:
			default:
				// Buffer filled behind our back; hand the claim straight back.
				if err := w.queue.ReleaseTask(ctx, task.ID, w.id); err != nil {
					w.logger.Warn("releasing surplus prefetch failed", "task_id", task.ID, "error", err)
				}
			}
		}
	})
}

// submitAdvance runs a job on the advancement executor. Jobs get a context
// that survives handler force-cancel, so conclusions still reach the store
// during drain.
func (w *Worker) submitAdvance(job func(ctx context.Context)) {
	w.wgAdvance.Add(1)
	go func() {
		defer w.wgAdvance.Done()
		w.advSem <- struct{}{}
		defer func() { <-w.advSem }()
		job(context.WithoutCancel(w.runCtx))
	}()
}

// runTask drives one claimed task through the handler. The step and handler
// are resolved before the RUNNING transition: a task referencing a missing
// definition or handler stays claimed untouched and recycles through the
// reclaimer without burning a retry attempt.
func (w *Worker) runTask(task *store.Task) {
	ex, err := w.queue.GetExecution(w.runCtx, task.ExecutionID)
	if err != nil {
		w.logger.Error("loading execution failed", "task_id", task.ID, "error", err)
		return
	}
	def, err := w.defs.Resolve(ex.WorkflowName, ex.WorkflowVersion)
	if err != nil {
		w.logger.Error("workflow definition missing",
			"workflow", ex.WorkflowName, "version", ex.WorkflowVersion, "task_id", task.ID)
		return
	}
	_, step, ok := def.FindStep(task.StepName)
	if !ok {
		w.logger.Error("step missing from definition",
			"workflow", ex.WorkflowName, "step", task.StepName, "task_id", task.ID)
		return
	}
	handler, ok := w.handlers.Get(step.Handler)
	if !ok {
		w.logger.Error("no handler registered",
			"handler", step.Handler, "step", task.StepName, "task_id", task.ID)
		return
	}

	running, err := w.queue.MarkTaskRunning(w.runCtx, task.ID, task.Version)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			w.logger.Warn("task claim lost", "task_id", task.ID)
			return
		}
		w.logger.Error("marking task running failed", "task_id", task.ID, "error", err)
		return
	}

	hc := &Context{
		ExecutionID:     ex.ID,
		WorkflowName:    ex.WorkflowName,
		StepName:        running.StepName,
		Attempt:         running.Attempt + 1,
		Input:           running.Input,
		ExecutionInput:  ex.Input,
		ParallelOutputs: parallelOutputs(def, running),
		metadata:        cloneMap(running.Metadata),
	}

	hctx := w.runCtx
	if timeout := w.handlerTimeout(running); timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, timeout)
		defer cancel()
	}

	started := time.Now()
	output, err := invoke(hctx, handler, hc)
	if err != nil {
		w.logger.Warn("handler failed",
			"step", running.StepName, "task_id", running.ID, "attempt", hc.Attempt, "error", err)
		w.concludeFailure(running, ex.WorkflowName, err)
		return
	}

	if meta, dirty := hc.metadataSnapshot(); dirty {
		updated, err := w.queue.UpdateTaskMetadata(w.runCtx, running.ID, running.Version, meta)
		if err != nil {
			w.logger.Warn("metadata writeback lost", "task_id", running.ID, "error", err)
		} else {
			running = updated
		}
	}

	w.concludeSuccess(running, ex.WorkflowName, boxOutput(output), time.Since(started))
}

// concludeSuccess submits the completion to the advancement executor so the
// handler slot frees immediately.
func (w *Worker) concludeSuccess(task *store.Task, workflow string, output store.JSONMap, took time.Duration) {
	w.submitAdvance(func(ctx context.Context) {
		if _, err := w.advancer.CompleteAndAdvance(ctx, task, output); err != nil {
			if errors.Is(err, store.ErrConflict) {
				w.logger.Warn("completion conflict", "task_id", task.ID)
				return
			}
			w.logger.Error("completion failed", "task_id", task.ID, "error", err)
			return
		}
		w.obs.TaskCompleted(workflow, task.StepName, took.Seconds())
	})
}

func (w *Worker) concludeFailure(task *store.Task, workflow string, cause error) {
	msg := cause.Error()
	w.submitAdvance(func(ctx context.Context) {
		res, err := w.advancer.FailAndMaybeDeadLetter(ctx, task, msg)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				w.logger.Warn("failure recording conflict", "task_id", task.ID)
				return
			}
			w.logger.Error("failure recording failed", "task_id", task.ID, "error", err)
			return
		}
		w.obs.TaskFailed(workflow, task.StepName, !res.Retrying)
		if !res.Retrying {
			w.logger.Warn("task dead-lettered",
				"task_id", task.ID, "step", task.StepName, "attempts", res.Task.Attempt)
		}
	})
}

// invoke calls the handler with panic containment: a panicking handler costs
// one attempt, not the worker.
func invoke(ctx context.Context, h Handler, hc *Context) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, hc)
}

// handlerTimeout reads the per-step timeout carried on the task metadata,
// falling back to the worker default. The value arrives as int64 in process
// and float64 after a JSON round-trip.
func (w *Worker) handlerTimeout(task *store.Task) time.Duration {
	if raw, ok := task.Metadata[store.MetaHandlerTimeoutMs]; ok {
		switch ms := raw.(type) {
		case int64:
			return time.Duration(ms) * time.Millisecond
		case float64:
			return time.Duration(ms) * time.Millisecond
		}
	}
	return w.cfg.HandlerTimeout
}

// parallelOutputs surfaces the merged sibling outputs when the task directly
// follows a parallel block. The dispatcher already merged them into the
// input keyed by step name; this just decides whether that reading applies.
func parallelOutputs(def *definition.Definition, task *store.Task) store.JSONMap {
	if task.StepOrder == 0 {
		return nil
	}
	prev, ok := def.ElementAt(task.StepOrder - 1)
	if !ok || prev.Kind != definition.KindParallel {
		return nil
	}
	switch task.StepType {
	case store.StepTypeSequential, store.StepTypeParallel:
		return task.Input
	case store.StepTypeBranch:
		// Only the first arm step carries the block's merged input.
		elem, ok := def.ElementAt(task.StepOrder)
		if !ok || elem.Kind != definition.KindBranch || task.BranchKey == nil {
			return nil
		}
		arm := elem.Branch.Arm(*task.BranchKey)
		if len(arm) > 0 && arm[0].Name == task.StepName {
			return task.Input
		}
	}
	return nil
}

// boxOutput normalizes a handler return value to a JSON object.
func boxOutput(v any) store.JSONMap {
	switch out := v.(type) {
	case nil:
		return store.JSONMap{}
	case store.JSONMap:
		return out
	case map[string]any:
		return store.JSONMap(out)
	default:
		return store.JSONMap{"result": v}
	}
}

func cloneMap(m store.JSONMap) store.JSONMap {
	if m == nil {
		return nil
	}
	cp := make(store.JSONMap, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// waitTimeout waits for the group up to d; false means the wait timed out.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
