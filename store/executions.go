package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateExecution inserts a new execution row and refreshes the generated
// columns on ex.
func (q queries) CreateExecution(ctx context.Context, ex *Execution) error {
	const stmt = `
		INSERT INTO executions (
			id, workflow_id, workflow_name, workflow_version, status, input,
			idempotency_key, timeout_at, callback_url, callback_status, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
		RETURNING version, created_at, updated_at`

	if ex.ID == "" {
		ex.ID = newID()
	}
	if ex.Status == "" {
		ex.Status = ExecutionStatusPending
	}
	err := q.ext.QueryRowxContext(ctx, stmt,
		ex.ID, ex.WorkflowID, ex.WorkflowName, ex.WorkflowVersion, ex.Status,
		ex.Input, ex.IdempotencyKey, ex.TimeoutAt, ex.CallbackURL, ex.CallbackStatus,
	).Scan(&ex.Version, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "executions_idempotency_key_key") {
			return fmt.Errorf("insert execution: %w", ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution loads an execution by id.
func (q queries) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var ex Execution
	err := sqlx.GetContext(ctx, q.ext, &ex, `SELECT * FROM executions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &ex, nil
}

// GetExecutionForUpdate loads an execution and takes its row lock for the
// rest of the transaction. Completion paths use this to serialize parallel
// fan-in: only one sibling's advance can hold the execution at a time.
func (q queries) GetExecutionForUpdate(ctx context.Context, id string) (*Execution, error) {
	var ex Execution
	err := sqlx.GetContext(ctx, q.ext, &ex, `SELECT * FROM executions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("lock execution: %w", err)
	}
	return &ex, nil
}

// GetExecutionByIdempotencyKey returns the execution bound to a key.
func (q queries) GetExecutionByIdempotencyKey(ctx context.Context, key string) (*Execution, error) {
	var ex Execution
	err := sqlx.GetContext(ctx, q.ext, &ex, `SELECT * FROM executions WHERE idempotency_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("idempotency key %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get execution by idempotency key: %w", err)
	}
	return &ex, nil
}

// TransitionExecution moves an execution to a new status under a version
// check. First entry to RUNNING stamps started_at; first entry to a terminal
// status stamps completed_at; neither is ever cleared.
func (q queries) TransitionExecution(ctx context.Context, id string, version int64, to ExecutionStatus) (*Execution, error) {
	const stmt = `
		UPDATE executions SET
			status = $3,
			started_at = CASE
				WHEN $3 = 'RUNNING' AND started_at IS NULL THEN now()
				ELSE started_at
			END,
			completed_at = CASE
				WHEN $3 IN ('COMPLETED','FAILED','CANCELLED','TIMED_OUT') AND completed_at IS NULL THEN now()
				ELSE completed_at
			END,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING *`

	var ex Execution
	err := sqlx.GetContext(ctx, q.ext, &ex, stmt, id, version, to)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transition execution %s to %s: %w", id, to, ErrConflict)
		}
		return nil, fmt.Errorf("transition execution: %w", err)
	}
	return &ex, nil
}

// FinishExecution moves an execution to a terminal status while recording the
// final output and error in the same write.
func (q queries) FinishExecution(ctx context.Context, id string, version int64, to ExecutionStatus, output JSONMap, errMsg *string) (*Execution, error) {
	const stmt = `
		UPDATE executions SET
			status = $3,
			output = $4,
			error = $5,
			completed_at = CASE WHEN completed_at IS NULL THEN now() ELSE completed_at END,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING *`

	var ex Execution
	err := sqlx.GetContext(ctx, q.ext, &ex, stmt, id, version, to, output, errMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("finish execution %s as %s: %w", id, to, ErrConflict)
		}
		return nil, fmt.Errorf("finish execution: %w", err)
	}
	return &ex, nil
}

// SetExecutionCurrentStep records the element the execution is working on.
func (q queries) SetExecutionCurrentStep(ctx context.Context, id string, version int64, step string) (*Execution, error) {
	const stmt = `
		UPDATE executions SET
			current_step = $3,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING *`

	var ex Execution
	err := sqlx.GetContext(ctx, q.ext, &ex, stmt, id, version, step)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("set current step on execution %s: %w", id, ErrConflict)
		}
		return nil, fmt.Errorf("set current step: %w", err)
	}
	return &ex, nil
}

// SetExecutionCallbackStatus records the webhook delivery outcome. Delivery
// bookkeeping never contends with workflow writes, so there is no version
// precondition.
func (q queries) SetExecutionCallbackStatus(ctx context.Context, id string, status CallbackStatus) error {
	const stmt = `
		UPDATE executions SET
			callback_status = $2,
			version = version + 1,
			updated_at = now()
		WHERE id = $1`

	res, err := q.ext.ExecContext(ctx, stmt, id, status)
	if err != nil {
		return fmt.Errorf("set callback status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	// WorkflowName filters by workflow when non-empty.
	WorkflowName string
	// Status filters by execution status when non-empty.
	Status ExecutionStatus
	// Limit caps the page size; zero means 50.
	Limit int
	// Offset skips rows for paging.
	Offset int
}

// ListExecutions returns executions newest first.
func (q queries) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowName != "" {
		args = append(args, f.WorkflowName)
		where = append(where, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	stmt := `SELECT * FROM executions`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	stmt += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	stmt += fmt.Sprintf(" OFFSET $%d", len(args))

	var out []*Execution
	if err := sqlx.SelectContext(ctx, q.ext, &out, stmt, args...); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

// DueTimeouts returns ids of running executions whose deadline has passed.
func (q queries) DueTimeouts(ctx context.Context, limit int) ([]string, error) {
	const stmt = `
		SELECT id FROM executions
		WHERE status = 'RUNNING' AND timeout_at IS NOT NULL AND timeout_at <= now()
		ORDER BY timeout_at ASC
		LIMIT $1`

	var ids []string
	if err := sqlx.SelectContext(ctx, q.ext, &ids, stmt, limit); err != nil {
		return nil, fmt.Errorf("list due timeouts: %w", err)
	}
	return ids, nil
}

// PurgeFinishedBefore deletes terminal executions finished before the cutoff.
// Their tasks and dead letters cascade with them.
func (q queries) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const stmt = `
		DELETE FROM executions
		WHERE status IN ('COMPLETED','FAILED','CANCELLED','TIMED_OUT')
		  AND completed_at IS NOT NULL AND completed_at < $1`

	res, err := q.ext.ExecContext(ctx, stmt, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge finished executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge finished executions: %w", err)
	}
	return n, nil
}
