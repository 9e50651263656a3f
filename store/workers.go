package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// RegisterWorker upserts the presence row for a worker instance. Re-registering
// an id (a restart with the same identity) resets the row to ACTIVE.
func (q queries) RegisterWorker(ctx context.Context, workerID, hostname string, concurrency int) (*WorkerRecord, error) {
	const stmt = `
		INSERT INTO workers (id, worker_id, hostname, status, concurrency, active_tasks, last_heartbeat, started_at)
		VALUES ($1, $2, $3, 'ACTIVE', $4, 0, now(), now())
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			status = 'ACTIVE',
			concurrency = EXCLUDED.concurrency,
			active_tasks = 0,
			last_heartbeat = now(),
			started_at = now(),
			stopped_at = NULL,
			updated_at = now()
		RETURNING *`

	var rec WorkerRecord
	err := sqlx.GetContext(ctx, q.ext, &rec, stmt, newID(), workerID, hostname, concurrency)
	if err != nil {
		return nil, fmt.Errorf("register worker %s: %w", workerID, err)
	}
	return &rec, nil
}

// HeartbeatWorker refreshes liveness and the in-flight task count. A worker
// that was already marked STOPPED by the sweep gets ErrNotFound so it knows
// its claims may have been released.
func (q queries) HeartbeatWorker(ctx context.Context, workerID string, activeTasks int) error {
	const stmt = `
		UPDATE workers SET
			active_tasks = $2,
			last_heartbeat = now(),
			updated_at = now()
		WHERE worker_id = $1 AND status IN ('ACTIVE','DRAINING')`

	res, err := q.ext.ExecContext(ctx, stmt, workerID, activeTasks)
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", workerID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	return nil
}

// MarkWorkerDraining records that a worker stopped claiming new tasks.
func (q queries) MarkWorkerDraining(ctx context.Context, workerID string) error {
	const stmt = `
		UPDATE workers SET
			status = 'DRAINING',
			updated_at = now()
		WHERE worker_id = $1 AND status = 'ACTIVE'`

	if _, err := q.ext.ExecContext(ctx, stmt, workerID); err != nil {
		return fmt.Errorf("mark worker %s draining: %w", workerID, err)
	}
	return nil
}

// DeregisterWorker marks a worker STOPPED at the end of shutdown.
func (q queries) DeregisterWorker(ctx context.Context, workerID string) error {
	const stmt = `
		UPDATE workers SET
			status = 'STOPPED',
			active_tasks = 0,
			stopped_at = now(),
			updated_at = now()
		WHERE worker_id = $1`

	if _, err := q.ext.ExecContext(ctx, stmt, workerID); err != nil {
		return fmt.Errorf("deregister worker %s: %w", workerID, err)
	}
	return nil
}

// StaleWorkerIDs returns workers that look alive but have not heartbeat
// within the threshold.
func (q queries) StaleWorkerIDs(ctx context.Context, threshold time.Duration) ([]string, error) {
	const stmt = `
		SELECT worker_id FROM workers
		WHERE status IN ('ACTIVE','DRAINING')
		  AND last_heartbeat < now() - make_interval(secs => $1)
		ORDER BY last_heartbeat ASC`

	var ids []string
	if err := sqlx.SelectContext(ctx, q.ext, &ids, stmt, threshold.Seconds()); err != nil {
		return nil, fmt.Errorf("list stale workers: %w", err)
	}
	return ids, nil
}

// DeleteStoppedWorkersBefore removes worker rows that stopped before the
// cutoff, keeping the roster table from growing without bound.
func (q queries) DeleteStoppedWorkersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const stmt = `
		DELETE FROM workers
		WHERE status = 'STOPPED' AND stopped_at IS NOT NULL AND stopped_at < $1`

	res, err := q.ext.ExecContext(ctx, stmt, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stopped workers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stopped workers: %w", err)
	}
	return n, nil
}

// GetWorker loads one worker row by its worker id.
func (q queries) GetWorker(ctx context.Context, workerID string) (*WorkerRecord, error) {
	var rec WorkerRecord
	err := sqlx.GetContext(ctx, q.ext, &rec,
		`SELECT * FROM workers WHERE worker_id = $1`, workerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
		}
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &rec, nil
}

// ListWorkers returns every registered worker, most recently seen first.
func (q queries) ListWorkers(ctx context.Context) ([]*WorkerRecord, error) {
	var out []*WorkerRecord
	err := sqlx.SelectContext(ctx, q.ext, &out,
		`SELECT * FROM workers ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

// SweepStaleWorkers finds workers whose heartbeat lapsed, releases every task
// they still hold, and marks them STOPPED. Each worker is handled in its own
// transaction so one failure does not roll back the rest of the sweep.
func (s *Store) SweepStaleWorkers(ctx context.Context, threshold time.Duration) (workers int, released int64, err error) {
	ids, err := s.StaleWorkerIDs(ctx, threshold)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		var n int64
		txErr := s.InTx(ctx, func(tx *Tx) error {
			var err error
			n, err = tx.ReleaseTasksLockedBy(ctx, id)
			if err != nil {
				return err
			}
			return tx.DeregisterWorker(ctx, id)
		})
		if txErr != nil {
			return workers, released, fmt.Errorf("sweep worker %s: %w", id, txErr)
		}
		workers++
		released += n
	}
	return workers, released, nil
}
