package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshbbs/meshsched/contracts"
)

// Pacer serializes physical sends and keeps a minimum gap between the
// starts of consecutive writes. Every write is bounded by a timeout.
type Pacer struct {
	minGap       time.Duration
	writeTimeout time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	sendMu sync.Mutex
	// closed when a write abandoned after its timeout finally returns
	outstanding chan struct{}

	mu        sync.RWMutex
	lastStart time.Time
}

// PacerOption configures the pacer
type PacerOption func(*Pacer)

// WithPacerClock sets the clock
func WithPacerClock(c clock.Clock) PacerOption {
	return func(p *Pacer) {
		p.clock = c
	}
}

// WithPacerLogger sets the logger
func WithPacerLogger(logger *slog.Logger) PacerOption {
	return func(p *Pacer) {
		p.logger = logger
	}
}

// NewPacer creates a pacer
func NewPacer(minGap, writeTimeout time.Duration, options ...PacerOption) *Pacer {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	p := &Pacer{
		minGap:       minGap,
		writeTimeout: writeTimeout,
		clock:        clock.New(),
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Remaining returns how long until the next write may start
func (p *Pacer) Remaining() time.Duration {
	p.mu.RLock()
	last := p.lastStart
	p.mu.RUnlock()

	if last.IsZero() {
		return 0
	}
	remaining := p.minGap - p.clock.Since(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// LastStart returns when the most recent write started
func (p *Pacer) LastStart() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastStart
}

// Send waits out the remaining gap, then writes msg through transport. A
// write that does not finish within the write timeout fails with a
// *TransportError wrapping contracts.ErrTransportTimeout. If ctx is
// cancelled during the wait or the write, ctx.Err() is returned.
//
// A timed-out write keeps the radio busy until the driver returns. The next
// Send waits up to the write timeout for it and otherwise fails with
// ErrTransportTimeout without writing.
func (p *Pacer) Send(ctx context.Context, transport Transport, msg *contracts.OutgoingMessage) (AckToken, error) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if err := p.awaitOutstanding(ctx, msg); err != nil {
		return "", err
	}

	if wait := p.Remaining(); wait > 0 {
		timer := p.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}

	start := p.clock.Now()
	p.mu.Lock()
	p.lastStart = start
	p.mu.Unlock()

	writeCtx, cancel := p.clock.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	type result struct {
		token AckToken
		err   error
	}
	done := make(chan result, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		token, err := transport.Send(writeCtx, msg.Destination, msg.Channel, msg.Payload)
		done <- result{token: token, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			p.logger.Debug("Frame written",
				"messageId", msg.ID,
				"destination", msg.Destination.String(),
				"bytes", len(msg.Payload),
				"elapsed", p.clock.Since(start))
			return r.token, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		err := r.err
		if errors.Is(err, context.DeadlineExceeded) {
			err = contracts.ErrTransportTimeout
		}
		return "", &TransportError{
			MessageID:   msg.ID,
			Destination: msg.Destination,
			Elapsed:     p.clock.Since(start),
			Err:         err,
		}
	case <-writeCtx.Done():
		p.outstanding = finished
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.logger.Warn("Transport write timed out",
			"messageId", msg.ID,
			"destination", msg.Destination.String(),
			"timeout", p.writeTimeout)
		return "", &TransportError{
			MessageID:   msg.ID,
			Destination: msg.Destination,
			Elapsed:     p.clock.Since(start),
			Err:         contracts.ErrTransportTimeout,
		}
	}
}

// awaitOutstanding blocks while an abandoned write is still running
func (p *Pacer) awaitOutstanding(ctx context.Context, msg *contracts.OutgoingMessage) error {
	if p.outstanding == nil {
		return nil
	}

	start := p.clock.Now()
	timer := p.clock.Timer(p.writeTimeout)
	defer timer.Stop()

	select {
	case <-p.outstanding:
		p.outstanding = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.logger.Warn("Previous write still in progress",
			"messageId", msg.ID,
			"destination", msg.Destination.String(),
			"waited", p.writeTimeout)
		return &TransportError{
			MessageID:   msg.ID,
			Destination: msg.Destination,
			Elapsed:     p.clock.Since(start),
			Err:         fmt.Errorf("%w: previous write still in progress", contracts.ErrTransportTimeout),
		}
	}
}

