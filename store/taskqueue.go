package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/c360studio/semflow/retry"
)

// AcquireTasks atomically claims up to limit due tasks for a worker. The
// inner select orders by priority then age and skips rows other workers hold,
// so concurrent pollers never block each other or claim the same task. The
// claim is a lease: lock_timeout_at is the deadline after which reclamation
// may hand the task to someone else.
func (q queries) AcquireTasks(ctx context.Context, workerID string, limit int, lockTimeout time.Duration) ([]*Task, error) {
	const stmt = `
		UPDATE tasks SET
			status = 'LOCKED',
			locked_by = $1,
			locked_at = now(),
			lock_timeout_at = now() + make_interval(secs => $2),
			version = version + 1,
			updated_at = now()
		FROM (
			SELECT id FROM tasks
			WHERE status = 'PENDING'
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) picked
		WHERE tasks.id = picked.id AND tasks.status = 'PENDING'
		RETURNING tasks.*`

	var tasks []*Task
	err := sqlx.SelectContext(ctx, q.ext, &tasks, stmt, workerID, lockTimeout.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("acquire tasks: %w", err)
	}
	return tasks, nil
}

// MarkTaskRunning records that a handler has started. The lock fields stay in
// place so reclamation still covers a handler that dies mid-run via the
// worker sweep.
func (q queries) MarkTaskRunning(ctx context.Context, id string, version int64) (*Task, error) {
	const stmt = `
		UPDATE tasks SET
			status = 'RUNNING',
			started_at = now(),
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2 AND status = 'LOCKED'
		RETURNING *`

	var t Task
	err := sqlx.GetContext(ctx, q.ext, &t, stmt, id, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("mark task %s running: %w", id, ErrConflict)
		}
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	return &t, nil
}

// CompleteTask finishes a run successfully, storing its output and counting
// the attempt. Terminal rows are excluded so a reclaimed-and-reissued copy of
// the same task cannot complete twice.
func (q queries) CompleteTask(ctx context.Context, id string, version int64, output JSONMap) (*Task, error) {
	const stmt = `
		UPDATE tasks SET
			status = 'COMPLETED',
			output = $3,
			error = NULL,
			attempt = attempt + 1,
			locked_by = NULL,
			locked_at = NULL,
			lock_timeout_at = NULL,
			next_retry_at = NULL,
			completed_at = now(),
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		  AND status NOT IN ('COMPLETED','DEAD_LETTER','CANCELLED')
		RETURNING *`

	var t Task
	err := sqlx.GetContext(ctx, q.ext, &t, stmt, id, version, output)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("complete task %s: %w", id, ErrConflict)
		}
		return nil, fmt.Errorf("complete task: %w", err)
	}
	return &t, nil
}

// FailTask records a failed run. While the retry budget holds, the task goes
// back to PENDING with a backoff deadline; once it is spent, the task parks
// in DEAD_LETTER and a dead-letter row is written in the same transaction.
// Multi-statement, so callers run it inside InTx.
func (q queries) FailTask(ctx context.Context, task *Task, errMsg string, pol retry.Policy) (*Task, error) {
	newAttempt := task.Attempt + 1
	histEntry, err := errorHistoryEntry(newAttempt, errMsg)
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}

	if pol.ShouldRetry(newAttempt) {
		const stmt = `
			UPDATE tasks SET
				status = 'PENDING',
				attempt = $3,
				error = $4,
				error_history = error_history || $5::jsonb,
				next_retry_at = now() + make_interval(secs => $6),
				locked_by = NULL,
				locked_at = NULL,
				lock_timeout_at = NULL,
				started_at = NULL,
				version = version + 1,
				updated_at = now()
			WHERE id = $1 AND version = $2
			  AND status NOT IN ('COMPLETED','DEAD_LETTER','CANCELLED')
			RETURNING *`

		var t Task
		err := sqlx.GetContext(ctx, q.ext, &t, stmt,
			task.ID, task.Version, newAttempt, errMsg, histEntry, pol.Delay(newAttempt).Seconds())
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("fail task %s: %w", task.ID, ErrConflict)
			}
			return nil, fmt.Errorf("fail task: %w", err)
		}
		return &t, nil
	}

	const parkStmt = `
		UPDATE tasks SET
			status = 'DEAD_LETTER',
			attempt = $3,
			error = $4,
			error_history = error_history || $5::jsonb,
			next_retry_at = NULL,
			locked_by = NULL,
			locked_at = NULL,
			lock_timeout_at = NULL,
			completed_at = now(),
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		  AND status NOT IN ('COMPLETED','DEAD_LETTER','CANCELLED')
		RETURNING *`

	var t Task
	err = sqlx.GetContext(ctx, q.ext, &t, parkStmt,
		task.ID, task.Version, newAttempt, errMsg, histEntry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("fail task %s: %w", task.ID, ErrConflict)
		}
		return nil, fmt.Errorf("park task: %w", err)
	}

	const dlStmt = `
		INSERT INTO dead_letters (
			id, task_id, execution_id, workflow_name, step_name,
			input, error_history, error, attempts, reprocessed
		)
		SELECT $2, t.id, t.execution_id, e.workflow_name, t.step_name,
			t.input, t.error_history, t.error, t.attempt, FALSE
		FROM tasks t
		JOIN executions e ON e.id = t.execution_id
		WHERE t.id = $1
		ON CONFLICT (task_id) DO NOTHING`

	if _, err := q.ext.ExecContext(ctx, dlStmt, t.ID, newID()); err != nil {
		return nil, fmt.Errorf("record dead letter: %w", err)
	}
	return &t, nil
}

// ReleaseTask puts a claimed-but-unstarted task back in the queue, used when
// a worker drains before running a prefetched task. The locked_by guard keeps
// a release after reclamation from touching another worker's claim.
func (q queries) ReleaseTask(ctx context.Context, id, workerID string) error {
	const stmt = `
		UPDATE tasks SET
			status = 'PENDING',
			locked_by = NULL,
			locked_at = NULL,
			lock_timeout_at = NULL,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND locked_by = $2 AND status = 'LOCKED'`

	if _, err := q.ext.ExecContext(ctx, stmt, id, workerID); err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return nil
}

// ReleaseTasksLockedBy returns every task a worker still holds to the queue.
// RUNNING rows are included: after a drain deadline or a worker death the
// handler is gone, and the row would otherwise hang until its lock expires.
func (q queries) ReleaseTasksLockedBy(ctx context.Context, workerID string) (int64, error) {
	const stmt = `
		UPDATE tasks SET
			status = 'PENDING',
			locked_by = NULL,
			locked_at = NULL,
			lock_timeout_at = NULL,
			started_at = NULL,
			version = version + 1,
			updated_at = now()
		WHERE locked_by = $1 AND status IN ('LOCKED','RUNNING')`

	res, err := q.ext.ExecContext(ctx, stmt, workerID)
	if err != nil {
		return 0, fmt.Errorf("release tasks for worker %s: %w", workerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release tasks for worker %s: %w", workerID, err)
	}
	return n, nil
}

// ReclaimExpiredTasks returns tasks whose lease ran out to the queue. The
// attempt counter is left alone: losing a lock is not a failed run and must
// not eat into the retry budget.
func (q queries) ReclaimExpiredTasks(ctx context.Context) (int64, error) {
	const stmt = `
		UPDATE tasks SET
			status = 'PENDING',
			locked_by = NULL,
			locked_at = NULL,
			lock_timeout_at = NULL,
			version = version + 1,
			updated_at = now()
		WHERE status = 'LOCKED' AND lock_timeout_at <= now()`

	res, err := q.ext.ExecContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired tasks: %w", err)
	}
	return n, nil
}
