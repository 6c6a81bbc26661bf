package pgstore

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// Sentinel errors surfaced by every repository method. Handlers in
// internal/httpapi map these to HTTP status codes via internal/apierr.
var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicate   = errors.New("duplicate entry")
	ErrConflict    = errors.New("conflict")
	ErrForbidden   = errors.New("forbidden")
	ErrNoPartition = errors.New("partition missing")
)

// isDuplicateError checks for PostgreSQL's unique-violation code (23505).
func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// isPartitionMissingError checks for an insert targeting a (realm, type)
// whose leaf partition was never created: 23514 ("no partition of relation
// found for row" — the schema carries no other CHECK constraints) or 42P01
// when the parent itself is gone mid-realm-delete.
func isPartitionMissingError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23514" || pgErr.SQLState() == "42P01"
	}
	return false
}

func isNoRowsError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
