package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semflow/definition"
	"github.com/c360studio/semflow/notify"
	"github.com/c360studio/semflow/retry"
	"github.com/c360studio/semflow/store"
)

// Config holds engine settings.
type Config struct {
	// DefaultRetry fills policy fields that steps leave unset.
	DefaultRetry retry.Policy

	// ExecutionTimeout is the deadline applied to executions that do not set
	// their own. Zero disables the default deadline.
	ExecutionTimeout time.Duration
}

// FinishListener observes executions reaching a terminal status. Called
// after the finishing transaction committed, at most once per finish the
// local process performed.
type FinishListener interface {
	ExecutionFinished(ex *store.Execution)
}

// CombineListeners fans finish events out to several listeners. Nils are
// skipped; the engine takes a single listener, so composition happens at
// wiring time.
func CombineListeners(ls ...FinishListener) FinishListener {
	active := make([]FinishListener, 0, len(ls))
	for _, l := range ls {
		if l != nil {
			active = append(active, l)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return multiListener(active)
}

type multiListener []FinishListener

func (m multiListener) ExecutionFinished(ex *store.Execution) {
	for _, l := range m {
		l.ExecutionFinished(ex)
	}
}

// Engine orchestrates workflow executions on top of the store. All state
// lives in the database; any number of engine instances can run against the
// same tables.
type Engine struct {
	db         DB
	registry   *definition.Registry
	dispatcher *Dispatcher
	notifier   notify.Notifier
	defaults   retry.Policy
	timeout    time.Duration
	onFinish   FinishListener
	logger     *slog.Logger
}

// New builds an engine. A nil notifier degrades to fixed-interval polling on
// the workers; a nil logger uses the process default.
func New(db DB, registry *definition.Registry, cfg Config, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := cfg.DefaultRetry.Normalize(retry.DefaultPolicy())
	return &Engine{
		db:         db,
		registry:   registry,
		dispatcher: NewDispatcher(defaults),
		notifier:   notifier,
		defaults:   defaults,
		timeout:    cfg.ExecutionTimeout,
		logger:     logger.With("component", "engine"),
	}
}

// SetFinishListener wires the callback sink. Must be called before the
// engine serves traffic.
func (e *Engine) SetFinishListener(l FinishListener) {
	e.onFinish = l
}

// Registry exposes the definition registry.
func (e *Engine) Registry() *definition.Registry {
	return e.registry
}

// RetryDefaults exposes the normalized default retry policy.
func (e *Engine) RetryDefaults() retry.Policy {
	return e.defaults
}

// RegisterWorkflow validates a definition, adds it to the in-memory
// registry, and upserts its audit record.
func (e *Engine) RegisterWorkflow(ctx context.Context, def *definition.Definition) error {
	if err := e.registry.Register(def); err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("serialize workflow %q: %w", def.Name, err)
	}
	if _, err := e.db.SaveWorkflow(ctx, def.Name, def.Version, def.Description, data); err != nil {
		return err
	}
	e.logger.Info("workflow registered", "workflow", def.Name, "version", def.Version)
	return nil
}

// LoadWorkflows reconciles the registry with the persisted audit records and
// doubles as the startup validator. Records with no matching registration are
// adopted with a warning so executions pinned to them can still resolve their
// steps; records that drifted from the registered definition are reported and
// the registration wins; broken serializations are logged and skipped.
// Returns the number of definitions adopted.
func (e *Engine) LoadWorkflows(ctx context.Context) (int, error) {
	recs, err := e.db.ListWorkflows(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, rec := range recs {
		var def definition.Definition
		if err := json.Unmarshal(rec.StepDefinitions, &def); err != nil {
			e.logger.Error("skipping unreadable workflow record",
				"workflow", rec.Name, "version", rec.Version, "error", err)
			continue
		}
		if reg, err := e.registry.Get(rec.Name, rec.Version); err == nil {
			if definitionsDiffer(reg, &def) {
				e.logger.Warn("workflow record drifted from the registered definition, registration wins",
					"workflow", rec.Name, "version", rec.Version)
			}
			continue
		}
		if err := e.registry.Register(&def); err != nil {
			e.logger.Error("skipping invalid workflow record",
				"workflow", rec.Name, "version", rec.Version, "error", err)
			continue
		}
		e.logger.Warn("orphaned workflow record adopted, no matching registration",
			"workflow", rec.Name, "version", rec.Version)
		loaded++
	}
	e.warnMultipleVersions()
	return loaded, nil
}

// definitionsDiffer compares two definitions by their canonical JSON forms.
func definitionsDiffer(a, b *definition.Definition) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return true
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return true
	}
	return !bytes.Equal(aj, bj)
}

// warnMultipleVersions flags names carrying more than one live version.
// Old-version executions keep running, but triggers resolve the latest; the
// deployment should retire superseded versions.
func (e *Engine) warnMultipleVersions() {
	versions := make(map[string][]int)
	for _, def := range e.registry.List() {
		versions[def.Name] = append(versions[def.Name], def.Version)
	}
	for name, vs := range versions {
		if len(vs) > 1 {
			e.logger.Warn("multiple live versions of one workflow",
				"workflow", name, "versions", vs)
		}
	}
}

// TriggerRequest describes one trigger call.
type TriggerRequest struct {
	// WorkflowName selects the workflow. Required.
	WorkflowName string

	// WorkflowVersion selects a revision; zero resolves the latest.
	WorkflowVersion int

	// Input is the opaque payload handed to the first element.
	Input store.JSONMap

	// IdempotencyKey deduplicates triggers. A repeated key returns the
	// execution it is bound to instead of creating another.
	IdempotencyKey string

	// Timeout bounds the whole execution. Zero uses the engine default.
	Timeout time.Duration

	// CallbackURL receives a webhook when the execution finishes.
	CallbackURL string
}

// Trigger starts a new execution: resolve the workflow, create the execution
// row, dispatch the first element, and move to RUNNING, all in one
// transaction. The boolean reports whether a new execution was created;
// false means an idempotency key matched an existing one.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*store.Execution, bool, error) {
	def, err := e.registry.Resolve(req.WorkflowName, req.WorkflowVersion)
	if err != nil {
		return nil, false, err
	}

	if req.IdempotencyKey != "" {
		ex, err := e.db.GetExecutionByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return ex, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	ex := &store.Execution{
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Status:          store.ExecutionStatusPending,
		Input:           req.Input,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		ex.IdempotencyKey = &key
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	if timeout > 0 {
		at := time.Now().Add(timeout)
		ex.TimeoutAt = &at
	}
	if req.CallbackURL != "" {
		url := req.CallbackURL
		status := store.CallbackStatusPending
		ex.CallbackURL = &url
		ex.CallbackStatus = &status
	}

	err = e.db.InTx(ctx, func(s Storage) error {
		if rec, err := s.GetWorkflow(ctx, def.Name, def.Version); err == nil {
			ex.WorkflowID = &rec.ID
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := s.CreateExecution(ctx, ex); err != nil {
			return err
		}
		tasks, err := e.dispatcher.FirstTasks(ctx, s, def, ex)
		if err != nil {
			return err
		}
		running, err := s.TransitionExecution(ctx, ex.ID, ex.Version, store.ExecutionStatusRunning)
		if err != nil {
			return err
		}
		running, err = s.SetExecutionCurrentStep(ctx, running.ID, running.Version, elementLabel(def, tasks[0].StepOrder))
		if err != nil {
			return err
		}
		*ex = *running
		return nil
	})
	if err != nil {
		// Lost a trigger race on the same key: hand back the winner.
		if req.IdempotencyKey != "" && errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, lookupErr := e.db.GetExecutionByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	e.logger.Info("execution triggered",
		"execution_id", ex.ID, "workflow", def.Name, "version", def.Version)
	e.notifyTasks(ctx)
	return ex, true, nil
}

// Cancel moves an execution to CANCELLED and cancels its queued tasks.
// Running handlers are not interrupted; their results are persisted but
// never advance the workflow. Cancelling an already terminal execution is a
// no-op that returns the current row.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*store.Execution, error) {
	var out *store.Execution
	var cancelled bool
	err := e.db.InTx(ctx, func(s Storage) error {
		ex, err := s.GetExecutionForUpdate(ctx, executionID)
		if err != nil {
			return err
		}
		if ex.Terminal() {
			out = ex
			return nil
		}
		if err := checkTransition(ex.Status, store.ExecutionStatusCancelled); err != nil {
			return err
		}
		after, err := s.TransitionExecution(ctx, ex.ID, ex.Version, store.ExecutionStatusCancelled)
		if err != nil {
			return err
		}
		n, err := s.CancelPendingTasks(ctx, ex.ID)
		if err != nil {
			return err
		}
		e.logger.Info("execution cancelled", "execution_id", ex.ID, "tasks_cancelled", n)
		out = after
		cancelled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		e.finished(out)
	}
	return out, nil
}

// GetExecution loads an execution by id.
func (e *Engine) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	return e.db.GetExecution(ctx, id)
}

// notifyTasks publishes the wakeup hint; failure only costs poll latency.
func (e *Engine) notifyTasks(ctx context.Context) {
	if err := e.notifier.TasksAvailable(ctx); err != nil {
		e.logger.Warn("task notification failed", "error", err)
	}
}

// finished invokes the finish listener for terminal executions.
func (e *Engine) finished(ex *store.Execution) {
	if e.onFinish == nil || ex == nil || !ex.Terminal() {
		return
	}
	e.onFinish.ExecutionFinished(ex)
}

// elementLabel names the element at idx for the current-step hint.
func elementLabel(def *definition.Definition, idx int) string {
	if elem, ok := def.ElementAt(idx); ok {
		return elem.Name()
	}
	return ""
}
