package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/semflow/retry"
	"github.com/c360studio/semflow/store"
)

// fakeDB is an in-memory Storage/DB mirroring the store's guard semantics:
// version checks, status guards, attempt counting, and dead-letter capture.
// InTx runs the function directly; rollback is not simulated.
type fakeDB struct {
	mu          sync.Mutex
	seq         int
	executions  map[string]*store.Execution
	tasks       map[string]*store.Task
	deadLetters map[string]*store.DeadLetter
	workflows   map[string]*store.WorkflowRecord
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		executions:  make(map[string]*store.Execution),
		tasks:       make(map[string]*store.Task),
		deadLetters: make(map[string]*store.DeadLetter),
		workflows:   make(map[string]*store.WorkflowRecord),
	}
}

func (f *fakeDB) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeDB) InTx(_ context.Context, fn func(Storage) error) error {
	return fn(f)
}

func (f *fakeDB) CreateExecution(_ context.Context, ex *store.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ex.IdempotencyKey != nil {
		for _, other := range f.executions {
			if other.IdempotencyKey != nil && *other.IdempotencyKey == *ex.IdempotencyKey {
				return store.ErrDuplicateIdempotencyKey
			}
		}
	}
	if ex.ID == "" {
		ex.ID = f.nextID("ex")
	}
	if ex.Status == "" {
		ex.Status = store.ExecutionStatusPending
	}
	ex.CreatedAt = time.Now()
	ex.UpdatedAt = ex.CreatedAt
	cp := *ex
	f.executions[ex.ID] = &cp
	return nil
}

func (f *fakeDB) getExecution(id string) (*store.Execution, error) {
	ex, ok := f.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, store.ErrNotFound)
	}
	return ex, nil
}

func (f *fakeDB) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, err := f.getExecution(id)
	if err != nil {
		return nil, err
	}
	cp := *ex
	return &cp, nil
}

func (f *fakeDB) GetExecutionForUpdate(ctx context.Context, id string) (*store.Execution, error) {
	return f.GetExecution(ctx, id)
}

func (f *fakeDB) GetExecutionByIdempotencyKey(_ context.Context, key string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ex := range f.executions {
		if ex.IdempotencyKey != nil && *ex.IdempotencyKey == key {
			cp := *ex
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("idempotency key %q: %w", key, store.ErrNotFound)
}

func (f *fakeDB) TransitionExecution(_ context.Context, id string, version int64, to store.ExecutionStatus) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, err := f.getExecution(id)
	if err != nil {
		return nil, err
	}
	if ex.Version != version {
		return nil, fmt.Errorf("transition execution %s: %w", id, store.ErrConflict)
	}
	now := time.Now()
	ex.Status = to
	if to == store.ExecutionStatusRunning && ex.StartedAt == nil {
		ex.StartedAt = &now
	}
	if to.Terminal() && ex.CompletedAt == nil {
		ex.CompletedAt = &now
	}
	ex.Version++
	ex.UpdatedAt = now
	cp := *ex
	return &cp, nil
}

func (f *fakeDB) FinishExecution(_ context.Context, id string, version int64, to store.ExecutionStatus, output store.JSONMap, errMsg *string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, err := f.getExecution(id)
	if err != nil {
		return nil, err
	}
	if ex.Version != version {
		return nil, fmt.Errorf("finish execution %s: %w", id, store.ErrConflict)
	}
	now := time.Now()
	ex.Status = to
	ex.Output = output
	ex.Error = errMsg
	if ex.CompletedAt == nil {
		ex.CompletedAt = &now
	}
	ex.Version++
	ex.UpdatedAt = now
	cp := *ex
	return &cp, nil
}

func (f *fakeDB) SetExecutionCurrentStep(_ context.Context, id string, version int64, step string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, err := f.getExecution(id)
	if err != nil {
		return nil, err
	}
	if ex.Version != version {
		return nil, fmt.Errorf("set current step %s: %w", id, store.ErrConflict)
	}
	ex.CurrentStep = &step
	ex.Version++
	ex.UpdatedAt = time.Now()
	cp := *ex
	return &cp, nil
}

func (f *fakeDB) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Execution
	for _, ex := range f.executions {
		if filter.WorkflowName != "" && ex.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && ex.Status != filter.Status {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDB) DueTimeouts(_ context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	now := time.Now()
	for _, ex := range f.executions {
		if ex.Status == store.ExecutionStatusRunning && ex.TimeoutAt != nil && !ex.TimeoutAt.After(now) {
			ids = append(ids, ex.ID)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func (f *fakeDB) CreateTasks(_ context.Context, tasks []*store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = f.nextID("task")
		}
		if t.Status == "" {
			t.Status = store.TaskStatusPending
		}
		t.CreatedAt = time.Now()
		t.UpdatedAt = t.CreatedAt
		cp := *t
		f.tasks[t.ID] = &cp
	}
	return nil
}

func (f *fakeDB) getTask(id string) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (f *fakeDB) GetTask(_ context.Context, id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.getTask(id)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (f *fakeDB) GroupTasks(_ context.Context, executionID, group string) ([]*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Task
	for _, t := range f.tasks {
		if t.ExecutionID == executionID && t.StepType == store.StepTypeParallel &&
			t.ParallelGroup != nil && *t.ParallelGroup == group {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDB) ListTasksByExecution(_ context.Context, executionID string) ([]*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Task
	for _, t := range f.tasks {
		if t.ExecutionID == executionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDB) CancelPendingTasks(_ context.Context, executionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for _, t := range f.tasks {
		if t.ExecutionID == executionID && t.Status == store.TaskStatusPending {
			t.Status = store.TaskStatusCancelled
			t.NextRetryAt = nil
			t.CompletedAt = &now
			t.Version++
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) CompleteTask(_ context.Context, id string, version int64, output store.JSONMap) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.getTask(id)
	if err != nil {
		return nil, err
	}
	if t.Version != version || t.Terminal() {
		return nil, fmt.Errorf("complete task %s: %w", id, store.ErrConflict)
	}
	now := time.Now()
	t.Status = store.TaskStatusCompleted
	t.Output = output
	t.Error = nil
	t.Attempt++
	t.LockedBy = nil
	t.LockedAt = nil
	t.LockTimeoutAt = nil
	t.NextRetryAt = nil
	t.CompletedAt = &now
	t.Version++
	t.UpdatedAt = now
	cp := *t
	return &cp, nil
}

func (f *fakeDB) FailTask(_ context.Context, task *store.Task, errMsg string, pol retry.Policy) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.getTask(task.ID)
	if err != nil {
		return nil, err
	}
	if t.Version != task.Version || t.Terminal() {
		return nil, fmt.Errorf("fail task %s: %w", task.ID, store.ErrConflict)
	}
	now := time.Now()
	newAttempt := t.Attempt + 1
	t.Attempt = newAttempt
	t.Error = &errMsg
	t.ErrorHistory = append(t.ErrorHistory, store.AttemptError{Attempt: newAttempt, Error: errMsg, At: now})
	t.LockedBy = nil
	t.LockedAt = nil
	t.LockTimeoutAt = nil
	t.Version++
	t.UpdatedAt = now

	if pol.ShouldRetry(newAttempt) {
		retryAt := now.Add(pol.Delay(newAttempt))
		t.Status = store.TaskStatusPending
		t.NextRetryAt = &retryAt
		t.StartedAt = nil
		cp := *t
		return &cp, nil
	}

	t.Status = store.TaskStatusDeadLetter
	t.NextRetryAt = nil
	t.CompletedAt = &now
	ex := f.executions[t.ExecutionID]
	dl := &store.DeadLetter{
		ID:           f.nextID("dl"),
		TaskID:       t.ID,
		ExecutionID:  t.ExecutionID,
		StepName:     t.StepName,
		Input:        t.Input,
		ErrorHistory: t.ErrorHistory,
		Error:        t.Error,
		Attempts:     newAttempt,
		CreatedAt:    now,
	}
	if ex != nil {
		dl.WorkflowName = ex.WorkflowName
	}
	f.deadLetters[dl.ID] = dl
	cp := *t
	return &cp, nil
}

func (f *fakeDB) GetDeadLetter(_ context.Context, id string) (*store.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dl, ok := f.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("dead letter %s: %w", id, store.ErrNotFound)
	}
	cp := *dl
	return &cp, nil
}

func (f *fakeDB) ListDeadLetters(_ context.Context, filter store.DeadLetterFilter) ([]*store.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.DeadLetter
	for _, dl := range f.deadLetters {
		if filter.WorkflowName != "" && dl.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.ExecutionID != "" && dl.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.StepName != "" && dl.StepName != filter.StepName {
			continue
		}
		if !filter.IncludeReprocessed && dl.Reprocessed {
			continue
		}
		cp := *dl
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDB) MarkDeadLetterReprocessed(_ context.Context, id string) (*store.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dl, ok := f.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("dead letter %s: %w", id, store.ErrNotFound)
	}
	if dl.Reprocessed {
		return nil, fmt.Errorf("dead letter %s: %w", id, store.ErrAlreadyReprocessed)
	}
	now := time.Now()
	dl.Reprocessed = true
	dl.ReprocessedAt = &now
	cp := *dl
	return &cp, nil
}

func (f *fakeDB) CloneTaskForReprocess(_ context.Context, originalTaskID string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	orig, err := f.getTask(originalTaskID)
	if err != nil {
		return nil, err
	}
	parent := orig.ID
	clone := &store.Task{
		ID:              f.nextID("task"),
		ExecutionID:     orig.ExecutionID,
		StepName:        orig.StepName,
		StepType:        orig.StepType,
		StepOrder:       orig.StepOrder,
		Status:          store.TaskStatusPending,
		Input:           orig.Input,
		MaxAttempts:     orig.MaxAttempts,
		BackoffStrategy: orig.BackoffStrategy,
		BackoffBaseMs:   orig.BackoffBaseMs,
		ParallelGroup:   orig.ParallelGroup,
		BranchKey:       orig.BranchKey,
		Priority:        orig.Priority,
		ParentTaskID:    &parent,
		Metadata:        orig.Metadata,
		CreatedAt:       time.Now(),
	}
	f.tasks[clone.ID] = clone
	cp := *clone
	return &cp, nil
}

func (f *fakeDB) SaveWorkflow(_ context.Context, name string, version int, description string, stepDefinitions []byte) (*store.WorkflowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s@%d", name, version)
	rec, ok := f.workflows[key]
	if !ok {
		rec = &store.WorkflowRecord{ID: f.nextID("wf"), Name: name, Version: version, CreatedAt: time.Now()}
		f.workflows[key] = rec
	}
	if description != "" {
		desc := description
		rec.Description = &desc
	}
	rec.StepDefinitions = stepDefinitions
	rec.UpdatedAt = time.Now()
	cp := *rec
	return &cp, nil
}

func (f *fakeDB) GetWorkflow(_ context.Context, name string, version int) (*store.WorkflowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.workflows[fmt.Sprintf("%s@%d", name, version)]
	if !ok {
		return nil, fmt.Errorf("workflow %s v%d: %w", name, version, store.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeDB) ListWorkflows(_ context.Context) ([]*store.WorkflowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.WorkflowRecord
	for _, rec := range f.workflows {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// pendingTasks returns non-terminal PENDING tasks of an execution, for
// assertions.
func (f *fakeDB) pendingTasks(executionID string) []*store.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Task
	for _, t := range f.tasks {
		if t.ExecutionID == executionID && t.Status == store.TaskStatusPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// countingNotifier records how many hints were published.
type countingNotifier struct {
	mu    sync.Mutex
	hints int
}

func (n *countingNotifier) TasksAvailable(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hints++
	return nil
}

func (n *countingNotifier) Subscribe(func()) (func(), error) { return func() {}, nil }

func (n *countingNotifier) Close() error { return nil }

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hints
}

// recordingListener captures finish callbacks.
type recordingListener struct {
	mu       sync.Mutex
	finished []*store.Execution
}

func (l *recordingListener) ExecutionFinished(ex *store.Execution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, ex)
}

func (l *recordingListener) all() []*store.Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*store.Execution(nil), l.finished...)
}
