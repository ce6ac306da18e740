package rabbitmq

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/meshbbs/meshsched/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the transport uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Connection is the subset of *amqp.Connection the manager uses
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

// DialAMQP dials a real broker
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the broker connection with automatic reconnection
type ConnectionManager struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of connection attempts after the
// first. A negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		reconnectDelay: 2 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cm)
	}
	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

func (cm *ConnectionManager) retryPolicy() reliability.RetryPolicy {
	retries := cm.maxRetries
	if retries < 0 {
		retries = math.MaxInt32
	}
	return reliability.NewExponentialBackoff(cm.reconnectDelay, time.Minute, 2.0, retries)
}

// Connect establishes the initial connection, retrying with backoff until
// ctx is done or the retry budget is spent.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.RLock()
	connected, closed := cm.isConnected, cm.closed
	cm.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}
	if connected {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-cm.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	attempts := 0
	err := reliability.Retry(ctx, cm.retryPolicy(), func() error {
		attempts++
		if attempts > 1 {
			cm.notifyReconnecting(attempts)
		}
		err := cm.dialOnce()
		if err != nil {
			cm.logger.Warn("Broker connection attempt failed",
				"url", SanitizeURL(cm.url),
				"attempt", attempts,
				"error", err)
		}
		return err
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}
	return nil
}

func (cm *ConnectionManager) dialOnce() error {
	conn, err := cm.dial(cm.url)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return reliability.Permanent(ErrConnectionClosed)
	}
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.wg.Add(1)
	cm.mu.Unlock()

	cm.logger.Info("Connected to broker", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect(notifyClose)
	return nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	cm.cancel()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	cm.wg.Wait()
	return err
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	defer cm.wg.Done()

	select {
	case <-cm.ctx.Done():
		return
	case amqpErr, ok := <-notifyClose:
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		var err error = ErrConnectionClosed
		if ok && amqpErr != nil {
			err = amqpErr
		}
		cm.logger.Error("Broker connection lost", "error", err)
		cm.notifyDisconnected(err)

		// Connect starts the next watcher on success
		if err := cm.Connect(cm.ctx); err != nil && cm.ctx.Err() == nil {
			cm.logger.Error("Giving up on broker reconnection", "error", err)
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
			})
		}
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
