package reliability

import (
	"errors"
	"fmt"

	"github.com/meshbbs/meshsched/contracts"
)

var (
	// ErrNonRetryable marks a failure that must not be retried
	ErrNonRetryable = errors.New("retry: error is not retryable")

	// Failure store errors
	ErrFailureNotFound = errors.New("failure store: record not found")
	ErrInvalidFailure  = errors.New("failure store: invalid record")
)

// AdmissionError is returned when the admission controller rejects a
// submission because the queue is near saturation.
type AdmissionError struct {
	Depth            int
	Capacity         int
	ThresholdPercent int
	Priority         contracts.Priority
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("system overloaded: queue depth %d/%d exceeds %d%% (priority=%s)",
		e.Depth, e.Capacity, e.ThresholdPercent, e.Priority)
}

func (e *AdmissionError) Unwrap() error {
	return contracts.ErrQueueFull
}

// RetryError is the terminal failure reported once a message has used up
// its retries.
type RetryError struct {
	MessageID   string
	Attempts    int
	MaxAttempts int
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: message %s after %d/%d retries: %v",
		e.MessageID, e.Attempts, e.MaxAttempts, e.LastError)
}

// Unwrap exposes both ErrRetryExhausted and the last underlying failure
func (e *RetryError) Unwrap() []error {
	if e.LastError == nil {
		return []error{contracts.ErrRetryExhausted}
	}
	return []error{contracts.ErrRetryExhausted, e.LastError}
}

// FailureStoreError represents a failure store operation error
type FailureStoreError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *FailureStoreError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("failure store: %s failed for message %s: %v", e.Op, e.MessageID, e.Err)
	}
	return fmt.Sprintf("failure store: %s failed: %v", e.Op, e.Err)
}

func (e *FailureStoreError) Unwrap() error {
	return e.Err
}

// IsRetryableError checks if a delivery failure should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNonRetryable):
		return false
	case errors.Is(err, contracts.ErrRetryExhausted):
		return false
	case errors.Is(err, contracts.ErrPayloadTooLarge):
		return false
	case errors.Is(err, contracts.ErrSchedulerClosed):
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to indicate whether it is retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as non-retryable
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}
