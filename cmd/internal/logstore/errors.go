package logstore

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateToken reports that a message with the same idempotency token
	// is already stored. It is an expected outcome, not a failure.
	ErrDuplicateToken = errors.New("logstore: duplicate idempotency token")

	// ErrStoreFailure is the kind of every other storage error
	// (I/O, permissions, corruption, unexpected constraint violations).
	ErrStoreFailure = errors.New("logstore: store failure")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("logstore: closed")
)

// StoreError is a typed storage failure with a stable Op for callers and logs.
// It matches both ErrStoreFailure and the underlying driver error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrStoreFailure)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStoreFailure, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreFailure, e.Err} }

func storeFail(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsDuplicate reports whether err is a duplicate-token outcome.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateToken) }

// IsFailure reports whether err is a storage failure.
func IsFailure(err error) bool { return errors.Is(err, ErrStoreFailure) }
