package storage

import (
	"errors"
	"time"
)

var (
	// ErrStore classifies persistence failures. Callers treat them as retryable.
	ErrStore = errors.New("store failure")
	// ErrNotFound reports an unknown event id.
	ErrNotFound = errors.New("not found")
)

// Error wraps a driver error with the operation that failed.
// errors.Is(err, ErrStore) reports true for every *Error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "storage: " + e.Op + " failed"
	}
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrStore }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): Path is the database file, ":memory:" for tests
//   - "postgres": DSN is a libpq URL or key/value string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// UpsertResult reports the id of the stored row and whether this call created it.
type UpsertResult struct {
	ID      int64
	Created bool
}
