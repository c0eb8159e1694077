// Package store provides the durable conversation store.
package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrUnavailable means the store could not serve the request.
	ErrUnavailable = errors.New("store unavailable")

	// ErrUniqueViolation means an insert collided with an existing (member, book) row.
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrCorrupt means a stored row cannot be decoded. Retrying will not help.
	ErrCorrupt = errors.New("corrupt stored data")
)

// classify maps a driver error onto the store error kinds.
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%s: %w", op, ErrUniqueViolation)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
