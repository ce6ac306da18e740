// Package reliability holds the policies that decide what happens to a
// message that cannot go out right away.
//
// This package implements:
//   - AdmissionController: rejects new submissions of every priority while
//     the queue is near saturation
//   - Retry policies: how long to wait before re-sending a direct message
//     whose acknowledgment never arrived (schedule, exponential, fixed)
//   - FailureStore: a bounded record of messages that failed for good, in
//     memory or in Redis
//   - CircuitBreaker: fails transport writes fast while a broker keeps
//     rejecting them
//
// Example usage:
//
//	policy := NewScheduleBackoff([]time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second}, 3)
//	if retry, delay := policy.ShouldRetry(attempt, err); retry {
//		// re-queue after delay
//	}
package reliability
