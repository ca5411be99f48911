package records

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a lookup miss. Absence is a normal state, so Get reports
	// it through a boolean; operations that require the record return this error.
	ErrNotFound = errors.New("records: not found")
	// ErrStorageFailure marks local durable store I/O errors. Callers must surface it.
	ErrStorageFailure = errors.New("records: storage failure")
	// ErrInvalidEntityType indicates an unknown entity type.
	ErrInvalidEntityType = errors.New("records: invalid entity type")
	// ErrInvalidPayload indicates a payload that cannot be stored.
	ErrInvalidPayload = errors.New("records: invalid payload")
)

// StoreError carries the failing operation and reason of a storage failure.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Is lets errors.Is(err, ErrStorageFailure) match every StoreError.
func (e *StoreError) Is(target error) bool {
	return target == ErrStorageFailure
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// NotFoundError names the record a required lookup could not find.
type NotFoundError struct {
	EntityType EntityType
	Key        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("records: %s %q not found", e.EntityType, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
