package reliability

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshbbs/meshsched/contracts"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the next retry delay
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}
	if !IsRetryableError(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// ScheduleBackoff waits a fixed list of delays, repeating the last one once
// the list is exhausted. The radio resend schedule is 4s, 8s, 16s.
type ScheduleBackoff struct {
	Steps       []time.Duration
	MaxAttempts int
}

// NewScheduleBackoff creates a schedule policy
func NewScheduleBackoff(steps []time.Duration, maxRetries int) *ScheduleBackoff {
	return &ScheduleBackoff{
		Steps:       steps,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (s *ScheduleBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= s.MaxAttempts {
		return false, 0
	}
	if !IsRetryableError(err) {
		return false, 0
	}
	return true, s.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (s *ScheduleBackoff) MaxRetries() int {
	return s.MaxAttempts
}

// NextDelay implements RetryPolicy
func (s *ScheduleBackoff) NextDelay(attempt int) time.Duration {
	if len(s.Steps) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.Steps) {
		attempt = len(s.Steps) - 1
	}
	return s.Steps[attempt]
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts {
		return false, 0
	}
	if !IsRetryableError(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// EnqueueFunc re-submits a message through the normal admission path
type EnqueueFunc func(msg *contracts.OutgoingMessage) error

// RetryOutcome is the result of handling one delivery failure
type RetryOutcome struct {
	// Requeued is true when the message went back into the queue
	Requeued bool
	// Delay is the backoff applied to a requeued message
	Delay time.Duration
	// Err is the terminal failure reason when Requeued is false
	Err error
}

// RetryCoordinator decides whether a failed send is retried. Retries are
// bounded by the policy; broadcasts are never retried.
type RetryCoordinator struct {
	policy  RetryPolicy
	enqueue EnqueueFunc
	clock   clock.Clock
	logger  *slog.Logger
}

// RetryCoordinatorOption configures the retry coordinator
type RetryCoordinatorOption func(*RetryCoordinator)

// WithRetryLogger sets the logger
func WithRetryLogger(logger *slog.Logger) RetryCoordinatorOption {
	return func(c *RetryCoordinator) {
		c.logger = logger
	}
}

// WithRetryClock sets the clock used to compute NotBefore
func WithRetryClock(clk clock.Clock) RetryCoordinatorOption {
	return func(c *RetryCoordinator) {
		c.clock = clk
	}
}

// NewRetryCoordinator creates a retry coordinator
func NewRetryCoordinator(policy RetryPolicy, enqueue EnqueueFunc, options ...RetryCoordinatorOption) *RetryCoordinator {
	c := &RetryCoordinator{
		policy:  policy,
		enqueue: enqueue,
		clock:   clock.New(),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// MaxRetries returns the retry limit of the underlying policy
func (c *RetryCoordinator) MaxRetries() int {
	return c.policy.MaxRetries()
}

// HandleFailure processes a failed delivery of msg. On retry the message's
// attempt count is incremented and it is re-enqueued after the policy delay.
func (c *RetryCoordinator) HandleFailure(msg *contracts.OutgoingMessage, reason error) RetryOutcome {
	if msg.IsBroadcast() {
		c.logger.Debug("Broadcast failed, not retrying",
			"messageId", msg.ID,
			"error", reason)
		return RetryOutcome{Err: reason}
	}

	if !IsRetryableError(reason) {
		c.logger.Warn("Non-retryable delivery failure",
			"messageId", msg.ID,
			"destination", msg.Destination.String(),
			"error", reason)
		return RetryOutcome{Err: reason}
	}

	shouldRetry, delay := c.policy.ShouldRetry(msg.Attempts, reason)
	if !shouldRetry {
		c.logger.Warn("Retries exhausted",
			"messageId", msg.ID,
			"destination", msg.Destination.String(),
			"attempts", msg.Attempts,
			"error", reason)
		return RetryOutcome{Err: &RetryError{
			MessageID:   msg.ID,
			Attempts:    msg.Attempts,
			MaxAttempts: c.policy.MaxRetries(),
			LastError:   reason,
		}}
	}

	msg.Attempts++
	msg.NotBefore = c.clock.Now().Add(delay)

	if err := c.enqueue(msg); err != nil {
		c.logger.Warn("Retry rejected",
			"messageId", msg.ID,
			"attempt", msg.Attempts,
			"error", err)
		return RetryOutcome{Err: err}
	}

	c.logger.Info("Message re-queued for retry",
		"messageId", msg.ID,
		"destination", msg.Destination.String(),
		"attempt", msg.Attempts,
		"maxRetries", c.policy.MaxRetries(),
		"delay", delay,
		"reason", reason)

	return RetryOutcome{Requeued: true, Delay: delay}
}
