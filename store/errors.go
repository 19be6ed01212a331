package store

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrPersistenceConflict means a cycle could not be committed atomically.
	// Nothing was written; the cycle is retried on the next schedule.
	ErrPersistenceConflict = errors.New("store: persistence conflict")
	// ErrCorruptState means persisted state cannot be parsed.
	ErrCorruptState = errors.New("store: corrupt state")
	// ErrNotFound is returned for unknown identities.
	ErrNotFound = errors.New("store: not found")
)

// ConflictError carries the category and cause of a persistence conflict.
type ConflictError struct {
	Category string
	Reason   string
	Err      error
}

func (e ConflictError) Error() string {
	msg := "persistence conflict: " + e.Reason
	if e.Category != "" {
		msg = fmt.Sprintf("persistence conflict in %q: %s", e.Category, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ConflictError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPersistenceConflict}
	}
	return []error{ErrPersistenceConflict, e.Err}
}

// CorruptError describes unparsable persisted state.
type CorruptError struct {
	What string
	Err  error
}

func (e CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt state: %s: %v", e.What, e.Err)
	}
	return "corrupt state: " + e.What
}

func (e CorruptError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorruptState}
	}
	return []error{ErrCorruptState, e.Err}
}

// ErrorTypeLabel maps a store error to a metrics label.
func ErrorTypeLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrPersistenceConflict):
		return "conflict"
	case errors.Is(err, ErrCorruptState):
		return "corrupt"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}

// classify turns lock contention into a conflict so the caller retries later.
func classify(category string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return ConflictError{Category: category, Reason: "database busy", Err: err}
		}
	}
	return err
}
