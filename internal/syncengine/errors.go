package syncengine

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationRejected indicates the remote store refused a record, for example
	// because its human id collides with one allocated by another device.
	ErrValidationRejected = errors.New("sync: rejected by remote store")
	// ErrTransportUnavailable indicates the remote store could not be reached.
	// Timeouts are reported the same way.
	ErrTransportUnavailable = errors.New("sync: remote store unavailable")

	errMissingStore  = errors.New("record store is required")
	errMissingRemote = errors.New("remote store is required")
)

// RejectedError carries the reason the remote store gave for refusing a record.
type RejectedError struct {
	Reason string
	// Err is the underlying response error, when there is one.
	Err error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sync: rejected by remote store: %s", e.Reason)
}

func (e *RejectedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidationRejected}
	}
	return []error{ErrValidationRejected, e.Err}
}

// TransportError wraps the underlying network failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sync: remote store unavailable: %v", e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransportUnavailable, e.Err}
}

// EngineError carries the failing operation and reason.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
