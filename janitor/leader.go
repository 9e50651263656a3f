package janitor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmoiron/sqlx"
)

// advisoryLockKey identifies the cluster-wide sweep leadership lock. The
// value spells "semflow" in hex, keeping clear of other advisory-lock users
// on a shared database.
const advisoryLockKey int64 = 0x73656d666c6f77

// Leader elects a single sweep runner across instances with a
// session-scoped Postgres advisory lock. The lock lives on one pinned
// connection: when the process or its session dies, Postgres frees the lock
// and another instance takes over on its next attempt.
type Leader struct {
	db     *sqlx.DB
	logger *slog.Logger

	mu   sync.Mutex
	conn *sql.Conn
}

// NewLeader prepares an election against the given pool. No connection is
// pinned until TryAcquire succeeds.
func NewLeader(db *sqlx.DB, logger *slog.Logger) *Leader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Leader{db: db, logger: logger.With("component", "leader")}
}

// TryAcquire takes or confirms leadership. It never waits on the lock: a
// false return means another instance leads right now.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		// The session is gone and took the lock with it.
		l.logger.Warn("leader session lost")
		l.closeLocked(ctx)
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("leader connection: %w", err)
	}
	var got bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockKey).Scan(&got); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !got {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	l.logger.Info("leadership acquired")
	return true, nil
}

// Release gives up leadership. Safe to call when not leading.
func (l *Leader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	l.closeLocked(ctx)
	l.logger.Info("leadership released")
	return nil
}

// IsLeader reports whether this instance holds the lock.
func (l *Leader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// closeLocked unlocks and returns the pinned connection to the pool.
// Conn.Close alone would hand the pool a session that still holds the
// advisory lock, so the explicit unlock matters.
func (l *Leader) closeLocked(ctx context.Context) {
	var unlocked bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey).Scan(&unlocked); err != nil {
		l.logger.Warn("advisory unlock failed", "error", err)
	}
	_ = l.conn.Close()
	l.conn = nil
}
