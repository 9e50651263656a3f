package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common store errors, tested with errors.Is at the engine and API layers.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a versioned write matched zero rows:
	// another writer committed first, or a status guard filtered the row.
	ErrConflict = errors.New("version conflict")

	// ErrAlreadyReprocessed is returned when a dead letter was reprocessed
	// before.
	ErrAlreadyReprocessed = errors.New("dead letter already reprocessed")

	// ErrDuplicateIdempotencyKey is returned when an idempotency key is
	// already bound to another execution.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

const uniqueViolationCode = "23505"

// isUniqueViolation reports whether err is a Postgres unique violation,
// optionally on one named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != uniqueViolationCode {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
