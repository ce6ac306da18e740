package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/meshbbs/meshsched/contracts"
)

// Outcome is the terminal result of a submitted message
type Outcome struct {
	MessageID   string
	Delivered   bool
	Err         error
	Attempts    int
	CompletedAt time.Time
}

// MessageHandle tracks one submitted message until it reaches a terminal
// state. It completes exactly once.
type MessageHandle struct {
	ID          string
	Destination contracts.NodeID
	Priority    contracts.Priority
	Kind        contracts.Kind

	listener contracts.DeliveryListener
	done     chan struct{}
	once     sync.Once
	outcome  Outcome
}

func newMessageHandle(msg *contracts.OutgoingMessage, listener contracts.DeliveryListener) *MessageHandle {
	return &MessageHandle{
		ID:          msg.ID,
		Destination: msg.Destination,
		Priority:    msg.Priority,
		Kind:        msg.Kind,
		listener:    listener,
		done:        make(chan struct{}),
	}
}

// complete records the outcome; it returns false if the handle was
// already completed
func (h *MessageHandle) complete(outcome Outcome) bool {
	completed := false
	h.once.Do(func() {
		h.outcome = outcome
		close(h.done)
		completed = true
	})
	return completed
}

// Done is closed once the message reaches a terminal state
func (h *MessageHandle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the terminal result if there is one
func (h *MessageHandle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the message is delivered or fails, or ctx is done
func (h *MessageHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// SubmitOption configures a single submission
type SubmitOption func(*submitOptions)

type submitOptions struct {
	channel  uint32
	delay    time.Duration
	listener contracts.DeliveryListener
}

// WithChannel sends on the given radio channel index
func WithChannel(channel uint32) SubmitOption {
	return func(o *submitOptions) {
		o.channel = channel
	}
}

// WithDelay holds the message back for at least d
func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		o.delay = d
	}
}

// WithListener receives this message's terminal notification in addition
// to the scheduler-wide listener
func WithListener(listener contracts.DeliveryListener) SubmitOption {
	return func(o *submitOptions) {
		o.listener = listener
	}
}
