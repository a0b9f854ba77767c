package orders

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork marks a retryable connectivity or timeout failure.
	ErrTransientNetwork = errors.New("orders: transient network failure")
	// ErrDuplicateRecord reports a record that was already applied. Callers treat it as a no-op.
	ErrDuplicateRecord = errors.New("orders: duplicate record")
	// ErrValidation rejects malformed input.
	ErrValidation = errors.New("orders: validation failed")
	// ErrRetryBudgetExhausted marks a record excluded from automatic retry.
	ErrRetryBudgetExhausted = errors.New("orders: retry budget exhausted")
	// ErrStorage wraps durable-store write failures.
	ErrStorage = errors.New("orders: storage failure")
	// ErrRecordNotFound reports an unknown client id.
	ErrRecordNotFound = errors.New("orders: record not found")
	// ErrInvalidTransition rejects a non-monotonic sync status change.
	ErrInvalidTransition = errors.New("orders: invalid sync status transition")
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError coded as "<operation>.<reason>".
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StorageFailure wraps a database error so it matches ErrStorage as well as the cause.
func StorageFailure(operation, reason string, cause error) error {
	return NewServiceError(operation, reason, fmt.Errorf("%w: %w", ErrStorage, cause))
}
