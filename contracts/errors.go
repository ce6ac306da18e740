package contracts

import (
	"errors"
)

var (
	// ErrQueueFull is returned at submit time when the scheduler is
	// overloaded. The caller may retry later.
	ErrQueueFull = errors.New("system overloaded: queue full")

	// ErrPayloadTooLarge is permanent; the payload must be shortened before
	// it is submitted again.
	ErrPayloadTooLarge = errors.New("payload exceeds transport frame limit")

	// ErrTransportTimeout marks a physical write that did not finish within
	// the write timeout.
	ErrTransportTimeout = errors.New("transport write timed out")

	// ErrAckTimeout marks a sent message that was never acknowledged.
	ErrAckTimeout = errors.New("acknowledgment timed out")

	// ErrRetryExhausted is terminal: the retry limit was reached.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrCleanupEviction marks a pending entry evicted to keep the tracker
	// within its size bound.
	ErrCleanupEviction = errors.New("pending entry evicted by cleanup")

	// ErrDroppedForCapacity marks a message dropped by the queue eviction
	// policy.
	ErrDroppedForCapacity = errors.New("message dropped: queue at capacity")

	// ErrSchedulerClosed is returned by submit after shutdown and used as
	// the failure reason for messages still queued or pending at shutdown.
	ErrSchedulerClosed = errors.New("scheduler closed")
)
