package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// GetDeadLetter loads a dead-letter entry by id.
func (q queries) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	var dl DeadLetter
	err := sqlx.GetContext(ctx, q.ext, &dl, `SELECT * FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return &dl, nil
}

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	// WorkflowName filters by workflow when non-empty.
	WorkflowName string
	// ExecutionID filters by execution when non-empty.
	ExecutionID string
	// StepName filters by step when non-empty.
	StepName string
	// IncludeReprocessed keeps entries that were already requeued.
	IncludeReprocessed bool
	// Limit caps the page size; zero means 50.
	Limit int
	// Offset skips rows for paging.
	Offset int
}

// ListDeadLetters returns dead-letter entries newest first.
func (q queries) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*DeadLetter, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowName != "" {
		args = append(args, f.WorkflowName)
		where = append(where, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if f.ExecutionID != "" {
		args = append(args, f.ExecutionID)
		where = append(where, fmt.Sprintf("execution_id = $%d", len(args)))
	}
	if f.StepName != "" {
		args = append(args, f.StepName)
		where = append(where, fmt.Sprintf("step_name = $%d", len(args)))
	}
	if !f.IncludeReprocessed {
		where = append(where, "reprocessed = FALSE")
	}

	stmt := `SELECT * FROM dead_letters`
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

	var out []*DeadLetter
	if err := sqlx.SelectContext(ctx, q.ext, &out, stmt, args...); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// MarkDeadLetterReprocessed flips the reprocessed flag exactly once. A second
// call for the same entry reports ErrAlreadyReprocessed, which is what makes
// concurrent reprocess requests safe.
func (q queries) MarkDeadLetterReprocessed(ctx context.Context, id string) (*DeadLetter, error) {
	const stmt = `
		UPDATE dead_letters SET
			reprocessed = TRUE,
			reprocessed_at = now()
		WHERE id = $1 AND reprocessed = FALSE
		RETURNING *`

	var dl DeadLetter
	err := sqlx.GetContext(ctx, q.ext, &dl, stmt, id)
	if err == nil {
		return &dl, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark dead letter reprocessed: %w", err)
	}

	// Zero rows: either the entry does not exist or it was already taken.
	var exists bool
	if err := sqlx.GetContext(ctx, q.ext, &exists,
		`SELECT EXISTS (SELECT 1 FROM dead_letters WHERE id = $1)`, id); err != nil {
		return nil, fmt.Errorf("mark dead letter reprocessed: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return nil, fmt.Errorf("dead letter %s: %w", id, ErrAlreadyReprocessed)
}

// CloneTaskForReprocess inserts a fresh PENDING copy of a dead-lettered task.
// The clone starts with a clean attempt counter and history and points at the
// original through parent_task_id; the original row stays in DEAD_LETTER.
func (q queries) CloneTaskForReprocess(ctx context.Context, originalTaskID string) (*Task, error) {
	const stmt = `
		INSERT INTO tasks (
			id, execution_id, step_name, step_type, step_order, status, input,
			attempt, max_attempts, backoff_strategy, backoff_base_ms,
			parallel_group, branch_key, priority, parent_task_id, metadata, version
		)
		SELECT $2, t.execution_id, t.step_name, t.step_type, t.step_order, 'PENDING', t.input,
			0, t.max_attempts, t.backoff_strategy, t.backoff_base_ms,
			t.parallel_group, t.branch_key, t.priority, t.id, t.metadata, 0
		FROM tasks t
		WHERE t.id = $1
		RETURNING *`

	var clone Task
	err := sqlx.GetContext(ctx, q.ext, &clone, stmt, originalTaskID, newID())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", originalTaskID, ErrNotFound)
		}
		return nil, fmt.Errorf("clone task for reprocess: %w", err)
	}
	return &clone, nil
}
