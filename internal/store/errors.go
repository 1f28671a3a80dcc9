package store

import "errors"

var (
	// ErrNotFound is returned when no row matches a lookup or a conditional
	// write matched zero rows.
	ErrNotFound = errors.New("not found")

	// ErrConstraint is returned when a write violates a schema constraint,
	// most commonly the unique index on the token column.
	ErrConstraint = errors.New("constraint violation")

	// ErrStorageInit wraps failures to create or open the backing database.
	ErrStorageInit = errors.New("storage init failed")
)
