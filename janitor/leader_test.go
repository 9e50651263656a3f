package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockLeader(t *testing.T) (*Leader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sdb := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { _ = sdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLeader(sdb, logger), mock
}

func lockRow(got bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(got)
}

func TestLeaderAcquireReleaseCycle(t *testing.T) {
	l, mock := newMockLeader(t)
	ctx := context.Background()

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(advisoryLockKey).
		WillReturnRows(lockRow(true))

	got, err := l.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !got || !l.IsLeader() {
		t.Fatal("lock granted but leadership not held")
	}

	// Re-checking while the session is healthy costs no second lock call.
	got, err = l.TryAcquire(ctx)
	if err != nil || !got {
		t.Fatalf("repeat TryAcquire = %v, %v", got, err)
	}

	mock.ExpectQuery("pg_advisory_unlock").
		WithArgs(advisoryLockKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if l.IsLeader() {
		t.Error("leadership still held after release")
	}
	// A second release is a no-op.
	if err := l.Release(ctx); err != nil {
		t.Fatalf("repeat Release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLeaderLosesElection(t *testing.T) {
	l, mock := newMockLeader(t)

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(advisoryLockKey).
		WillReturnRows(lockRow(false))

	got, err := l.TryAcquire(context.Background())
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if got || l.IsLeader() {
		t.Error("lock held elsewhere but leadership claimed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLeaderSurfacesLockErrors(t *testing.T) {
	l, mock := newMockLeader(t)

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(advisoryLockKey).
		WillReturnError(errors.New("server closed the connection"))

	if _, err := l.TryAcquire(context.Background()); err == nil {
		t.Fatal("expected the lock error to surface")
	}
	if l.IsLeader() {
		t.Error("failed acquire must not claim leadership")
	}
}
