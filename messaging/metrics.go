package messaging

import (
	"time"

	"github.com/meshbbs/meshsched/contracts"
)

// MetricsRecorder receives scheduler events. Implementations must be safe
// for concurrent use and must not block.
type MetricsRecorder interface {
	MessageSubmitted(priority contracts.Priority, kind contracts.Kind)
	MessageRejected(priority contracts.Priority, code string)
	MessageSent(kind contracts.Kind, writeDuration time.Duration)
	SendFailed(kind contracts.Kind, code string)
	MessageDelivered(priority contracts.Priority, ackLatency time.Duration)
	MessageFailed(priority contracts.Priority, code string)
	RetryScheduled(attempt int)
	AckExpired(count int)
	PendingEvicted(count int)
	Promoted(count int)
}

type noopMetrics struct{}

func (noopMetrics) MessageSubmitted(contracts.Priority, contracts.Kind)  {}
func (noopMetrics) MessageRejected(contracts.Priority, string)           {}
func (noopMetrics) MessageSent(contracts.Kind, time.Duration)            {}
func (noopMetrics) SendFailed(contracts.Kind, string)                    {}
func (noopMetrics) MessageDelivered(contracts.Priority, time.Duration)   {}
func (noopMetrics) MessageFailed(contracts.Priority, string)             {}
func (noopMetrics) RetryScheduled(int)                                   {}
func (noopMetrics) AckExpired(int)                                       {}
func (noopMetrics) PendingEvicted(int)                                   {}
func (noopMetrics) Promoted(int)                                         {}
