package store

import (
	"errors"
	"fmt"
)

// Sentinel errors covering the store's error taxonomy. Each is tested
// with errors.Is; StorageErrorf and ConcurrencyConflict wrap their
// sentinel with %w and append the underlying cause as text only.
var (
	// ErrConcurrencyConflict is returned when an etag-conditional
	// write loses a race with a concurrent modification.
	ErrConcurrencyConflict = errors.New("store: concurrency conflict")

	// ErrMultipleMatches is returned by Load when a query unexpectedly
	// matches more than one document.
	ErrMultipleMatches = errors.New("store: query matched more than one document")

	// ErrInvalidState is returned for programmer-error API misuse
	// (e.g. disposing a transaction holding a forgotten promise).
	ErrInvalidState = errors.New("store: invalid state")

	// ErrForgottenPromise is a specific ErrInvalidState case: a
	// transaction was disposed while still holding a first-attempt
	// promise that was never attempted or suppressed.
	ErrForgottenPromise = fmt.Errorf("%w: transaction disposed with a forgotten promise", ErrInvalidState)

	// ErrStorageError covers any other store failure.
	ErrStorageError = errors.New("store: storage error")

	// ErrInvalidQuery is returned when a query does not reference at
	// least one entity-discriminating field.
	ErrInvalidQuery = fmt.Errorf("%w: query must reference an entity-discriminating field", ErrInvalidState)
)

// ConcurrencyConflict wraps cause as an ErrConcurrencyConflict.
func ConcurrencyConflict(cause error) error {
	return fmt.Errorf("%w: %v", ErrConcurrencyConflict, cause)
}

// StorageErrorf wraps a formatted cause as an ErrStorageError.
func StorageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrStorageError}, args...)...)
}

// IsConcurrencyConflict reports whether err is or wraps
// ErrConcurrencyConflict.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
