package database

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateFile is returned by AddFile when the hash is already registered.
	// Callers resolve it by looking the winning row up with FindFile.
	ErrDuplicateFile = errors.New("file with this hash already registered")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownBackend is returned by Open for an unregistered backend name.
	ErrUnknownBackend = errors.New("unknown registry backend")
)

// StorageError wraps a failed registry operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, passes sentinel errors through untouched and
// wraps everything else in a StorageError.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDuplicateFile) || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsRetryable reports whether err is a storage failure worth a second attempt.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
