// Package store implements the relational persistence layer: workflows,
// executions, tasks, dead letters, and worker records over Postgres. All
// mutations go through optimistic version columns or status-guarded updates;
// batch acquisition uses FOR UPDATE SKIP LOCKED so concurrent workers never
// receive the same task.
package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"
)

// Config holds database connection settings.
type Config struct {
	// URL is the Postgres connection string.
	URL string

	// MaxOpenConns caps the pool size. Zero keeps the driver default.
	MaxOpenConns int

	// MaxIdleConns caps idle pooled connections. Zero keeps the driver default.
	MaxIdleConns int

	// ConnMaxLifetime recycles connections older than this. Zero disables.
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies the connection with a ping.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// queries holds every operation that can run against either the pool or a
// single transaction.
type queries struct {
	ext sqlx.ExtContext
}

// Store exposes the persistence operations on the connection pool plus the
// transaction boundary.
type Store struct {
	queries
	db *sqlx.DB
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{queries: queries{ext: db}, db: db}
}

// DB returns the underlying handle for health checks and migrations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx exposes the same operations bound to one open transaction.
type Tx struct {
	queries
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise; either the whole unit is visible or none of
// it is.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{queries: queries{ext: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
