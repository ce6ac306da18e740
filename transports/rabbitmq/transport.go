package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshbbs/meshsched/contracts"
	"github.com/meshbbs/meshsched/internal/reliability"
	"github.com/meshbbs/meshsched/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
)

// Frame headers read by the radio bridge
const (
	HeaderDestination = "x-mesh-destination"
	HeaderChannel     = "x-mesh-channel"
)

// ChannelSource opens broker channels
type ChannelSource interface {
	Channel() (Channel, error)
}

// TransportOptions names the broker topology shared with the radio bridge
type TransportOptions struct {
	// Exchange carries both outbound frames and inbound acknowledgments
	Exchange string
	// FrameQueue is consumed by the radio bridge
	FrameQueue      string
	FrameRoutingKey string
	// AckQueue receives acknowledgments relayed by the bridge; the
	// CorrelationId of each delivery is the token returned by Send
	AckQueue      string
	AckRoutingKey string
	ConsumerTag   string
	// ConfirmTimeout bounds the wait for a publisher confirm when the
	// caller's context has no deadline
	ConfirmTimeout time.Duration
	// Breaker fails sends fast while the broker keeps rejecting them
	Breaker *reliability.CircuitBreaker
	Logger  *slog.Logger
}

// DefaultTransportOptions returns the topology used by the reference bridge
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		Exchange:        "meshsched.radio",
		FrameQueue:      "meshsched.frames",
		FrameRoutingKey: "frame",
		AckQueue:        "meshsched.acks",
		AckRoutingKey:   "ack",
		ConsumerTag:     "meshsched-acks",
		ConfirmTimeout:  5 * time.Second,
	}
}

// Transport writes radio frames to a broker for a bridge process that owns
// the serial link, and relays the bridge's acknowledgment messages back.
type Transport struct {
	source ChannelSource
	opts   TransportOptions
	logger *slog.Logger
	owned  *ConnectionManager

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	nextTag  uint64
	closed   bool

	ackMu sync.RWMutex
	onAck messaging.AckHandler

	wg sync.WaitGroup
}

var (
	_ messaging.Transport   = (*Transport)(nil)
	_ messaging.AckReporter = (*Transport)(nil)
)

// NewTransport creates a transport over source. When source is a
// ConnectionManager the transport re-establishes its channel after a
// reconnect.
func NewTransport(source ChannelSource, opts TransportOptions) *Transport {
	defaults := DefaultTransportOptions()
	if opts.Exchange == "" {
		opts.Exchange = defaults.Exchange
	}
	if opts.FrameQueue == "" {
		opts.FrameQueue = defaults.FrameQueue
	}
	if opts.FrameRoutingKey == "" {
		opts.FrameRoutingKey = defaults.FrameRoutingKey
	}
	if opts.AckQueue == "" {
		opts.AckQueue = defaults.AckQueue
	}
	if opts.AckRoutingKey == "" {
		opts.AckRoutingKey = defaults.AckRoutingKey
	}
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = defaults.ConsumerTag
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaults.ConfirmTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breaker == nil {
		opts.Breaker = reliability.NewCircuitBreaker(
			reliability.WithBreakerName("rabbitmq"),
			reliability.WithOpenTimeout(10*time.Second),
			reliability.WithBreakerLogger(opts.Logger))
	}

	t := &Transport{
		source: source,
		opts:   opts,
		logger: opts.Logger,
	}
	if notifier, ok := source.(interface {
		AddStateListener(ConnectionStateListener)
	}); ok {
		notifier.AddStateListener(t)
	}
	return t
}

// Dial connects to url and returns a transport that owns the connection
func Dial(ctx context.Context, url string, opts TransportOptions, connOpts ...ConnectionOption) (*Transport, error) {
	if opts.Logger != nil {
		connOpts = append([]ConnectionOption{WithLogger(opts.Logger)}, connOpts...)
	}
	cm := NewConnectionManager(url, connOpts...)
	if err := cm.Connect(ctx); err != nil {
		_ = cm.Close()
		return nil, err
	}

	t := NewTransport(cm, opts)
	t.owned = cm
	if err := t.Start(); err != nil {
		return nil, multierr.Append(err, t.Close())
	}
	return t, nil
}

// SetAckHandler implements messaging.AckReporter
func (t *Transport) SetAckHandler(handler messaging.AckHandler) {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	t.onAck = handler
}

// Start declares the topology and begins consuming acknowledgments. Send
// calls Start implicitly when no channel is open.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	return t.ensureChannelLocked()
}

// Send publishes one frame and waits for the broker to confirm it
func (t *Transport) Send(ctx context.Context, dest contracts.NodeID, channel uint32, payload []byte) (messaging.AckToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrTransportClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.ConfirmTimeout)
		defer cancel()
	}

	token := uuid.New().String()
	err := t.opts.Breaker.Execute(ctx, func() error {
		return t.publishLocked(ctx, token, dest, channel, payload)
	})
	if err != nil {
		return "", err
	}

	t.logger.Debug("Frame published",
		"token", token,
		"destination", dest,
		"channel", channel,
		"bytes", len(payload))

	if dest == contracts.BroadcastNode {
		return "", nil
	}
	return messaging.AckToken(token), nil
}

func (t *Transport) publishLocked(ctx context.Context, token string, dest contracts.NodeID, channel uint32, payload []byte) error {
	if err := t.ensureChannelLocked(); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   "application/octet-stream",
		MessageId:     token,
		CorrelationId: token,
		Timestamp:     time.Now(),
		Headers: amqp.Table{
			HeaderDestination: int64(dest),
			HeaderChannel:     int64(channel),
		},
		Body: payload,
	}

	if err := t.ch.PublishWithContext(ctx, t.opts.Exchange, t.opts.FrameRoutingKey, false, false, msg); err != nil {
		t.resetLocked()
		return &PublishError{
			Exchange:   t.opts.Exchange,
			RoutingKey: t.opts.FrameRoutingKey,
			Token:      token,
			Err:        err,
		}
	}
	t.nextTag++
	if err := t.awaitConfirmLocked(ctx, t.nextTag); err != nil {
		return &PublishError{
			Exchange:   t.opts.Exchange,
			RoutingKey: t.opts.FrameRoutingKey,
			Token:      token,
			Err:        err,
		}
	}
	return nil
}

// Breaker returns the circuit breaker guarding Send
func (t *Transport) Breaker() *reliability.CircuitBreaker {
	return t.opts.Breaker
}

// awaitConfirmLocked skips confirms left over from abandoned publishes
func (t *Transport) awaitConfirmLocked(ctx context.Context, tag uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case conf, ok := <-t.confirms:
			if !ok {
				t.resetLocked()
				return ErrConfirmsClosed
			}
			if conf.DeliveryTag < tag {
				continue
			}
			if !conf.Ack {
				return ErrPublishNotConfirmed
			}
			return nil
		}
	}
}

func (t *Transport) ensureChannelLocked() error {
	if t.ch != nil {
		return nil
	}

	ch, err := t.source.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := t.declareTopology(ch); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 16))

	deliveries, err := ch.Consume(t.opts.AckQueue, t.opts.ConsumerTag, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", t.opts.AckQueue, err)
	}

	t.ch = ch
	t.confirms = confirms
	t.nextTag = 0

	t.wg.Add(1)
	go t.consumeAcks(deliveries)

	t.logger.Info("Radio bridge channel ready",
		"exchange", t.opts.Exchange,
		"frameQueue", t.opts.FrameQueue,
		"ackQueue", t.opts.AckQueue)
	return nil
}

func (t *Transport) declareTopology(ch Channel) error {
	if err := ch.ExchangeDeclare(t.opts.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: t.opts.Exchange, Err: err}
	}

	bindings := []struct{ queue, key string }{
		{t.opts.FrameQueue, t.opts.FrameRoutingKey},
		{t.opts.AckQueue, t.opts.AckRoutingKey},
	}
	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return &TopologyError{Component: "queue", Name: b.queue, Err: err}
		}
		if err := ch.QueueBind(b.queue, b.key, t.opts.Exchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: b.queue, Err: err}
		}
	}
	return nil
}

func (t *Transport) consumeAcks(deliveries <-chan amqp.Delivery) {
	defer t.wg.Done()

	for d := range deliveries {
		token := d.CorrelationId
		if token == "" {
			token = string(d.Body)
		}
		if token == "" {
			t.logger.Warn("Acknowledgment without token ignored", "messageId", d.MessageId)
			continue
		}

		t.ackMu.RLock()
		handler := t.onAck
		t.ackMu.RUnlock()
		if handler == nil {
			t.logger.Warn("Acknowledgment dropped, no handler registered", "token", token)
			continue
		}
		handler(messaging.AckToken(token))
	}
}

// resetLocked drops the current channel so the next Send reopens it
func (t *Transport) resetLocked() {
	if t.ch != nil {
		_ = t.ch.Close()
	}
	t.ch = nil
	t.confirms = nil
}

// OnConnected reopens the channel so acknowledgments resume without
// waiting for the next Send.
func (t *Transport) OnConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ch != nil {
		return
	}
	if err := t.ensureChannelLocked(); err != nil {
		t.logger.Warn("Failed to reopen radio bridge channel", "error", err)
	}
}

// OnDisconnected implements ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ch = nil
	t.confirms = nil
}

// OnReconnecting implements ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Info("Radio bridge reconnecting", "attempt", attempt)
}

// Close stops consuming and, for a dialled transport, closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var err error
	if t.ch != nil {
		err = t.ch.Close()
	}
	t.ch = nil
	t.confirms = nil
	t.mu.Unlock()

	if t.owned != nil {
		err = multierr.Append(err, t.owned.Close())
	}
	t.wg.Wait()
	return err
}
