package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func newID() string {
	return uuid.NewString()
}

// errorHistoryEntry encodes a single failure as a one-element jsonb array so
// it can be appended with the || operator.
func errorHistoryEntry(attempt int, msg string) ([]byte, error) {
	entry := []AttemptError{{Attempt: attempt, Error: msg, At: time.Now().UTC()}}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode error history entry: %w", err)
	}
	return data, nil
}

// CreateTasks inserts the given tasks and refreshes their generated columns.
// Dispatch creates a handful of rows at a time, so per-row inserts inside the
// caller's transaction are fine.
func (q queries) CreateTasks(ctx context.Context, tasks []*Task) error {
	const stmt = `
		INSERT INTO tasks (
			id, execution_id, step_name, step_type, step_order, status, input,
			attempt, max_attempts, backoff_strategy, backoff_base_ms,
			next_retry_at, parallel_group, branch_key, priority,
			parent_task_id, metadata, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 0)
		RETURNING version, created_at, updated_at`

	for _, t := range tasks {
		if t.ID == "" {
			t.ID = newID()
		}
		if t.Status == "" {
			t.Status = TaskStatusPending
		}
		err := q.ext.QueryRowxContext(ctx, stmt,
			t.ID, t.ExecutionID, t.StepName, t.StepType, t.StepOrder, t.Status, t.Input,
			t.Attempt, t.MaxAttempts, t.BackoffStrategy, t.BackoffBaseMs,
			t.NextRetryAt, t.ParallelGroup, t.BranchKey, t.Priority,
			t.ParentTaskID, t.Metadata,
		).Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task %s/%s: %w", t.ExecutionID, t.StepName, err)
		}
	}
	return nil
}

// GetTask loads a task by id.
func (q queries) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := sqlx.GetContext(ctx, q.ext, &t, `SELECT * FROM tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// GroupTasks returns the parallel siblings of a fan-out group within one
// execution. Branch tasks reuse the group column to remember their block, so
// the step type filter keeps them out of fan-in counting.
func (q queries) GroupTasks(ctx context.Context, executionID, group string) ([]*Task, error) {
	const stmt = `
		SELECT * FROM tasks
		WHERE execution_id = $1 AND parallel_group = $2 AND step_type = 'PARALLEL'
		ORDER BY step_order ASC, created_at ASC`

	var out []*Task
	if err := sqlx.SelectContext(ctx, q.ext, &out, stmt, executionID, group); err != nil {
		return nil, fmt.Errorf("list group tasks: %w", err)
	}
	return out, nil
}

// ListTasksByExecution returns every task of an execution in dispatch order.
func (q queries) ListTasksByExecution(ctx context.Context, executionID string) ([]*Task, error) {
	const stmt = `
		SELECT * FROM tasks
		WHERE execution_id = $1
		ORDER BY step_order ASC, created_at ASC`

	var out []*Task
	if err := sqlx.SelectContext(ctx, q.ext, &out, stmt, executionID); err != nil {
		return nil, fmt.Errorf("list execution tasks: %w", err)
	}
	return out, nil
}

// UpdateTaskMetadata persists handler-written metadata back onto the row.
func (q queries) UpdateTaskMetadata(ctx context.Context, id string, version int64, metadata JSONMap) (*Task, error) {
	const stmt = `
		UPDATE tasks SET
			metadata = $3,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING *`

	var t Task
	err := sqlx.GetContext(ctx, q.ext, &t, stmt, id, version, metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("update task %s metadata: %w", id, ErrConflict)
		}
		return nil, fmt.Errorf("update task metadata: %w", err)
	}
	return &t, nil
}

// CancelPendingTasks cancels every queued task of an execution. Claimed and
// running tasks are left alone; their workers finish the in-flight run and
// the cancelled execution refuses further advancement.
func (q queries) CancelPendingTasks(ctx context.Context, executionID string) (int64, error) {
	const stmt = `
		UPDATE tasks SET
			status = 'CANCELLED',
			next_retry_at = NULL,
			completed_at = now(),
			version = version + 1,
			updated_at = now()
		WHERE execution_id = $1 AND status = 'PENDING'`

	res, err := q.ext.ExecContext(ctx, stmt, executionID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel pending tasks: %w", err)
	}
	return n, nil
}

// CountAcquirableTasks counts tasks a poller could claim right now.
func (q queries) CountAcquirableTasks(ctx context.Context) (int64, error) {
	const stmt = `
		SELECT count(*) FROM tasks
		WHERE status = 'PENDING'
		  AND (next_retry_at IS NULL OR next_retry_at <= now())`

	var n int64
	if err := sqlx.GetContext(ctx, q.ext, &n, stmt); err != nil {
		return 0, fmt.Errorf("count acquirable tasks: %w", err)
	}
	return n, nil
}
