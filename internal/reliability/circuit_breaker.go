package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrCircuitOpen is matched by every CircuitBreakerError
var ErrCircuitOpen = errors.New("circuit breaker: open")

// CircuitState is the state of a CircuitBreaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerError is returned while the breaker refuses calls
type CircuitBreakerError struct {
	Name      string
	State     CircuitState
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s after %d failures (next probe at %s)",
		e.Name, e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// CircuitStateFunc observes breaker transitions
type CircuitStateFunc func(name string, from, to CircuitState)

// CircuitBreaker stops calls to a failing dependency for a cool-down period
// and then lets a limited number of probes through.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	inFlight  int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
	name             string
	clock            clock.Clock
	logger           *slog.Logger
	onChange         []CircuitStateFunc

	totalCalls    uint64
	totalFailures uint64
	totalRejected uint64
}

// CircuitBreakerOption configures a CircuitBreaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the half-open successes that close the breaker
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests caps concurrent probes in the half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithBreakerName names the breaker in errors and logs
func WithBreakerName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithBreakerClock sets the clock used for the open timeout
func WithBreakerClock(clk clock.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.clock = clk
	}
}

// WithBreakerLogger sets the logger used for state transitions
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithStateChange registers fn for every transition. fn runs with the
// breaker lock released.
func WithStateChange(fn CircuitStateFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onChange = append(cb.onChange, fn)
	}
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		halfOpenRequests: 1,
		name:             "default",
		clock:            clock.New(),
		logger:           slog.Default(),
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the breaker is open. Context errors from fn are
// not counted against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.record(err)
	return err
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	transition := cb.expireLocked()
	state := cb.state
	cb.mu.Unlock()
	cb.notify(transition)
	return state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
	cb.mu.Unlock()
	cb.notify(transition{from: from, to: CircuitClosed})
}

// CircuitBreakerStats is a snapshot of breaker counters
type CircuitBreakerStats struct {
	Name          string       `json:"name"`
	State         CircuitState `json:"state"`
	Failures      int          `json:"failures"`
	TotalCalls    uint64       `json:"totalCalls"`
	TotalFailures uint64       `json:"totalFailures"`
	TotalRejected uint64       `json:"totalRejected"`
	OpenedAt      time.Time    `json:"openedAt,omitempty"`
}

// Stats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:          cb.name,
		State:         cb.state,
		Failures:      cb.failures,
		TotalCalls:    cb.totalCalls,
		TotalFailures: cb.totalFailures,
		TotalRejected: cb.totalRejected,
		OpenedAt:      cb.openedAt,
	}
}

type transition struct {
	from, to CircuitState
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	t := cb.expireLocked()

	var err error
	switch cb.state {
	case CircuitOpen:
		err = cb.rejectLocked(cb.openedAt.Add(cb.openTimeout))
	case CircuitHalfOpen:
		if cb.inFlight >= cb.halfOpenRequests {
			err = cb.rejectLocked(cb.clock.Now().Add(cb.openTimeout))
		}
	}
	if err == nil {
		cb.totalCalls++
		cb.inFlight++
	}
	cb.mu.Unlock()

	cb.notify(t)
	return err
}

func (cb *CircuitBreaker) rejectLocked(next time.Time) error {
	cb.totalRejected++
	return &CircuitBreakerError{
		Name:      cb.name,
		State:     cb.state,
		Failures:  cb.failures,
		NextRetry: next,
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	if cb.inFlight > 0 {
		cb.inFlight--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	if cb.inFlight > 0 {
		cb.inFlight--
	}

	var t transition
	if err != nil {
		cb.failures++
		cb.totalFailures++
		switch {
		case cb.state == CircuitHalfOpen:
			t = cb.openLocked()
		case cb.state == CircuitClosed && cb.failures >= cb.failureThreshold:
			t = cb.openLocked()
		}
	} else {
		switch cb.state {
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.successThreshold {
				t = transition{from: cb.state, to: CircuitClosed}
				cb.state = CircuitClosed
				cb.failures = 0
				cb.successes = 0
			}
		case CircuitClosed:
			cb.failures = 0
		}
	}
	cb.mu.Unlock()

	cb.notify(t)
}

func (cb *CircuitBreaker) openLocked() transition {
	t := transition{from: cb.state, to: CircuitOpen}
	cb.state = CircuitOpen
	cb.openedAt = cb.clock.Now()
	cb.successes = 0
	return t
}

func (cb *CircuitBreaker) expireLocked() transition {
	if cb.state != CircuitOpen || cb.clock.Now().Before(cb.openedAt.Add(cb.openTimeout)) {
		return transition{}
	}
	cb.state = CircuitHalfOpen
	cb.successes = 0
	cb.inFlight = 0
	return transition{from: CircuitOpen, to: CircuitHalfOpen}
}

func (cb *CircuitBreaker) notify(t transition) {
	if t.from == t.to {
		return
	}
	cb.logger.Info("Circuit breaker state changed",
		"breaker", cb.name,
		"from", t.from.String(),
		"to", t.to.String())
	for _, fn := range cb.onChange {
		fn(cb.name, t.from, t.to)
	}
}
