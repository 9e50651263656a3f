// Package engine coordinates workflow executions: triggering, task dispatch
// across sequential, parallel, and branch elements, transactional completion
// with advancement, dead-lettering, cancellation, and timeouts. It owns the
// execution state machine; workers call into it but never mutate executions
// directly.
package engine

import (
	"context"

	"github.com/c360studio/semflow/retry"
	"github.com/c360studio/semflow/store"
)

// Storage is the slice of the persistence layer the engine drives. Both the
// pooled store and an open transaction satisfy it, which lets the same
// advancement code run standalone or inside a completion transaction.
type Storage interface {
	CreateExecution(ctx context.Context, ex *store.Execution) error
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	GetExecutionForUpdate(ctx context.Context, id string) (*store.Execution, error)
	GetExecutionByIdempotencyKey(ctx context.Context, key string) (*store.Execution, error)
	TransitionExecution(ctx context.Context, id string, version int64, to store.ExecutionStatus) (*store.Execution, error)
	FinishExecution(ctx context.Context, id string, version int64, to store.ExecutionStatus, output store.JSONMap, errMsg *string) (*store.Execution, error)
	SetExecutionCurrentStep(ctx context.Context, id string, version int64, step string) (*store.Execution, error)
	ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*store.Execution, error)
	DueTimeouts(ctx context.Context, limit int) ([]string, error)

	CreateTasks(ctx context.Context, tasks []*store.Task) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	GroupTasks(ctx context.Context, executionID, group string) ([]*store.Task, error)
	ListTasksByExecution(ctx context.Context, executionID string) ([]*store.Task, error)
	CancelPendingTasks(ctx context.Context, executionID string) (int64, error)
	CompleteTask(ctx context.Context, id string, version int64, output store.JSONMap) (*store.Task, error)
	FailTask(ctx context.Context, task *store.Task, errMsg string, pol retry.Policy) (*store.Task, error)

	GetDeadLetter(ctx context.Context, id string) (*store.DeadLetter, error)
	ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]*store.DeadLetter, error)
	MarkDeadLetterReprocessed(ctx context.Context, id string) (*store.DeadLetter, error)
	CloneTaskForReprocess(ctx context.Context, originalTaskID string) (*store.Task, error)

	SaveWorkflow(ctx context.Context, name string, version int, description string, stepDefinitions []byte) (*store.WorkflowRecord, error)
	GetWorkflow(ctx context.Context, name string, version int) (*store.WorkflowRecord, error)
	ListWorkflows(ctx context.Context) ([]*store.WorkflowRecord, error)
}

// DB is Storage plus the transaction boundary.
type DB interface {
	Storage
	InTx(ctx context.Context, fn func(Storage) error) error
}

// storeDB adapts *store.Store to the DB interface.
type storeDB struct {
	*store.Store
}

// NewDB wraps the Postgres store for engine use.
func NewDB(s *store.Store) DB {
	return storeDB{Store: s}
}

func (d storeDB) InTx(ctx context.Context, fn func(Storage) error) error {
	return d.Store.InTx(ctx, func(tx *store.Tx) error {
		return fn(tx)
	})
}
