package store

import (
	"errors"
	"fmt"
)

// StorageUnavailableError wraps any database failure. Callers are expected
// to log it and skip the cycle rather than crash; the next poll retries.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

func newStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageUnavailableError{Op: op, Err: err}
}

// IsStorageUnavailable checks if the error is or wraps a StorageUnavailableError
func IsStorageUnavailable(err error) bool {
	var storageErr *StorageUnavailableError
	return err != nil && errors.As(err, &storageErr)
}

// ErrNotFound is returned when a request id does not exist.
var ErrNotFound = errors.New("request not found")
