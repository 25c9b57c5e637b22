package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateRecord  = errors.New("duplicate record")
	ErrInvalidState     = errors.New("invalid state")
	ErrStaleUpdate      = errors.New("stale update")
	ErrTransportFailure = errors.New("transport failure")
	ErrStorageFailure   = errors.New("storage failure")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidInput     = errors.New("invalid input")
)

// StorageError wraps a failure from the storage collaborator with the operation and key involved
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

func Storage(op string, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidState)
}

func PermissionDenied(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrPermissionDenied)
}

func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

func Transport(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrTransportFailure, err))
}
