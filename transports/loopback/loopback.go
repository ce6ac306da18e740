// Package loopback provides an in-process transport that acknowledges its
// own frames. It stands in for a radio in tests and the simulate command.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshbbs/meshsched/contracts"
	"github.com/meshbbs/meshsched/messaging"
)

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("loopback: transport closed")

// Frame is one recorded write
type Frame struct {
	Token       messaging.AckToken
	Destination contracts.NodeID
	Channel     uint32
	Payload     []byte
	SentAt      time.Time
	Dropped     bool
}

// Transport records frames and acknowledges direct ones after a delay
type Transport struct {
	ackDelay   time.Duration
	writeDelay time.Duration
	dropRate   float64
	clock      clock.Clock
	logger     *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	onAck  messaging.AckHandler
	frames []Frame
	timers map[messaging.AckToken]*clock.Timer
	seq    uint64
	closed bool
}

var (
	_ messaging.Transport   = (*Transport)(nil)
	_ messaging.AckReporter = (*Transport)(nil)
)

// Option configures the transport
type Option func(*Transport)

// WithAckDelay sets how long after a write the acknowledgment arrives
func WithAckDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.ackDelay = d
	}
}

// WithWriteDelay makes each write take d
func WithWriteDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.writeDelay = d
	}
}

// WithDropRate sets the fraction of direct frames that are never
// acknowledged, from 0 to 1
func WithDropRate(rate float64) Option {
	return func(t *Transport) {
		t.dropRate = rate
	}
}

// WithSeed makes drop decisions reproducible
func WithSeed(seed int64) Option {
	return func(t *Transport) {
		t.rng = rand.New(rand.NewSource(seed))
	}
}

// WithClock sets the clock
func WithClock(c clock.Clock) Option {
	return func(t *Transport) {
		t.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a loopback transport
func New(options ...Option) *Transport {
	t := &Transport{
		ackDelay: 500 * time.Millisecond,
		clock:    clock.New(),
		logger:   slog.Default(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		timers:   make(map[messaging.AckToken]*clock.Timer),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// SetAckHandler implements messaging.AckReporter
func (t *Transport) SetAckHandler(handler messaging.AckHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAck = handler
}

// Send records the frame and schedules its acknowledgment
func (t *Transport) Send(ctx context.Context, dest contracts.NodeID, channel uint32, payload []byte) (messaging.AckToken, error) {
	if t.writeDelay > 0 {
		timer := t.clock.Timer(t.writeDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrClosed
	}

	t.seq++
	frame := Frame{
		Destination: dest,
		Channel:     channel,
		Payload:     append([]byte(nil), payload...),
		SentAt:      t.clock.Now(),
	}

	if dest == contracts.BroadcastNode {
		t.frames = append(t.frames, frame)
		return "", nil
	}

	frame.Token = messaging.AckToken(fmt.Sprintf("loop-%d", t.seq))
	frame.Dropped = t.dropRate > 0 && t.rng.Float64() < t.dropRate
	t.frames = append(t.frames, frame)

	if frame.Dropped {
		t.logger.Debug("Loopback dropping acknowledgment", "token", frame.Token, "destination", dest)
		return frame.Token, nil
	}

	token := frame.Token
	t.timers[token] = t.clock.AfterFunc(t.ackDelay, func() {
		t.mu.Lock()
		delete(t.timers, token)
		handler := t.onAck
		closed := t.closed
		t.mu.Unlock()
		if handler != nil && !closed {
			handler(token)
		}
	})
	return token, nil
}

// Frames returns a copy of every recorded write
func (t *Transport) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.frames...)
}

// Close cancels outstanding acknowledgments
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for token, timer := range t.timers {
		timer.Stop()
		delete(t.timers, token)
	}
	return nil
}
