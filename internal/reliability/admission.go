package reliability

import (
	"github.com/meshbbs/meshsched/contracts"
)

// State represents the admission state derived from the current queue depth
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// DepthFunc reports the current queue depth
type DepthFunc func() int

// AdmissionController is the circuit breaker in front of the queue. It keeps
// no history: every decision is made from the depth at the time of the call.
type AdmissionController struct {
	depth            DepthFunc
	capacity         int
	thresholdPercent int
}

// AdmissionOption configures the admission controller
type AdmissionOption func(*AdmissionController)

// WithThresholdPercent sets the depth percentage above which submissions
// are rejected
func WithThresholdPercent(percent int) AdmissionOption {
	return func(a *AdmissionController) {
		if percent > 0 && percent <= 100 {
			a.thresholdPercent = percent
		}
	}
}

// NewAdmissionController creates an admission controller for a queue of the
// given capacity
func NewAdmissionController(depth DepthFunc, capacity int, options ...AdmissionOption) *AdmissionController {
	a := &AdmissionController{
		depth:            depth,
		capacity:         capacity,
		thresholdPercent: 95,
	}

	for _, opt := range options {
		opt(a)
	}

	return a
}

// Admit returns an *AdmissionError when the queue depth exceeds the
// threshold. The same rule applies to every priority tier.
func (a *AdmissionController) Admit(priority contracts.Priority) error {
	depth := a.depth()
	if a.overloaded(depth) {
		return &AdmissionError{
			Depth:            depth,
			Capacity:         a.capacity,
			ThresholdPercent: a.thresholdPercent,
			Priority:         priority,
		}
	}
	return nil
}

// State reports whether submissions would currently be rejected
func (a *AdmissionController) State() State {
	if a.overloaded(a.depth()) {
		return StateOpen
	}
	return StateClosed
}

// ThresholdPercent returns the configured rejection threshold
func (a *AdmissionController) ThresholdPercent() int {
	return a.thresholdPercent
}

func (a *AdmissionController) overloaded(depth int) bool {
	return depth*100 > a.capacity*a.thresholdPercent
}
