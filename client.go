// Copyright 2024 Meshsched Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package meshsched

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshbbs/meshsched/contracts"
	"github.com/meshbbs/meshsched/internal/reliability"
	"github.com/meshbbs/meshsched/messaging"
	"github.com/meshbbs/meshsched/monitor"
	"github.com/meshbbs/meshsched/transports/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Client provides the main entry point for meshsched. It owns a scheduler
// writing to one transport, the health monitor sampling it, and the store
// that keeps terminal failures.
type Client struct {
	transport messaging.Transport
	scheduler *messaging.Scheduler
	monitor   *monitor.HealthMonitor
	health    *monitor.Registry
	metrics   *monitor.PrometheusMetrics
	failures  reliability.FailureStore
	ownsStore bool
	logger    *slog.Logger
}

// NewClient creates a client with default settings over transport
func NewClient(transport messaging.Transport) (*Client, error) {
	return NewClientWithOptions(transport, WithDefaultLogger())
}

// NewClientWithOptions creates a client over transport with options
func NewClientWithOptions(transport messaging.Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	cfg := &clientConfig{
		logger:              slog.Default(),
		scheduler:           messaging.DefaultSchedulerConfig(),
		healthCheckInterval: 30 * time.Second,
		metricsNamespace:    "meshsched",
		clock:               clock.New(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	c := &Client{
		transport: transport,
		failures:  cfg.failures,
		logger:    cfg.logger,
	}
	if c.failures == nil {
		c.failures = reliability.NewInMemoryFailureStore(1000)
		c.ownsStore = true
	}

	schedOpts := []messaging.SchedulerOption{
		messaging.WithSchedulerLogger(cfg.logger),
		messaging.WithSchedulerClock(cfg.clock),
		messaging.WithFailureStore(c.failures),
	}
	if cfg.retryPolicy != nil {
		schedOpts = append(schedOpts, messaging.WithRetryPolicy(cfg.retryPolicy))
	}
	if cfg.listener != nil {
		schedOpts = append(schedOpts, messaging.WithDeliveryListener(cfg.listener))
	}

	monitorOpts := []monitor.HealthMonitorOption{
		monitor.WithCheckInterval(cfg.healthCheckInterval),
		monitor.WithMonitorClock(cfg.clock),
		monitor.WithMonitorLogger(cfg.logger),
	}
	for _, h := range cfg.alertHandlers {
		monitorOpts = append(monitorOpts, monitor.WithAlertHandler(h))
	}

	if cfg.registerer != nil {
		metrics, err := monitor.NewPrometheusMetrics(cfg.registerer, cfg.metricsNamespace)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		c.metrics = metrics
		schedOpts = append(schedOpts, messaging.WithMetricsRecorder(metrics))
		monitorOpts = append(monitorOpts, monitor.WithAlertHandler(metrics))
	}

	scheduler, err := messaging.NewScheduler(transport, cfg.scheduler, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	c.scheduler = scheduler
	c.monitor = monitor.NewHealthMonitor(scheduler, monitorOpts...)

	if cfg.registerer != nil {
		if err := monitor.RegisterStatsGauges(cfg.registerer, cfg.metricsNamespace, scheduler); err != nil {
			return nil, fmt.Errorf("failed to register stats gauges: %w", err)
		}
	}

	c.health = monitor.NewRegistry()
	c.health.Register(monitor.NewSchedulerChecker(scheduler, cfg.scheduler.AdmissionThresholdPercent))
	c.health.Register(monitor.NewRuntimeChecker(1000, 10000))
	c.health.Register(monitor.NewFailureStoreChecker(c.failures))
	if guarded, ok := transport.(interface {
		Breaker() *reliability.CircuitBreaker
	}); ok {
		c.health.Register(monitor.NewCircuitBreakerChecker(guarded.Breaker()))
	}

	if reporter, ok := transport.(messaging.AckReporter); ok {
		reporter.SetAckHandler(c.handleAck)
		cfg.logger.Debug("Transport reports acknowledgments", "transport", fmt.Sprintf("%T", transport))
	}

	return c, nil
}

// NewRabbitMQClient dials a radio bridge over AMQP and creates a client
// writing to it
func NewRabbitMQClient(ctx context.Context, url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	transportOpts := rabbitmq.DefaultTransportOptions()
	transportOpts.Logger = cfg.logger
	transport, err := rabbitmq.Dial(ctx, url, transportOpts, rabbitmq.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := NewClientWithOptions(transport, options...)
	if err != nil {
		return nil, multierr.Append(err, transport.Close())
	}
	return client, nil
}

func (c *Client) handleAck(token messaging.AckToken) {
	if err := c.scheduler.Acknowledge(token); err != nil {
		c.logger.Warn("Failed to deliver acknowledgment to scheduler",
			"token", token,
			"error", err)
	}
}

// Run drives the scheduler and the health monitor until ctx is cancelled.
// Every message still queued or pending when it returns has been failed.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return c.monitor.Run(gctx)
	})
	return g.Wait()
}

// Submit queues a message for transmission. See messaging.Scheduler.Submit.
func (c *Client) Submit(ctx context.Context, dest contracts.NodeID, payload []byte, priority contracts.Priority, kind contracts.Kind, options ...messaging.SubmitOption) (*messaging.MessageHandle, error) {
	return c.scheduler.Submit(ctx, dest, payload, priority, kind, options...)
}

// Broadcast queues a message for every node on channel
func (c *Client) Broadcast(ctx context.Context, payload []byte, priority contracts.Priority, options ...messaging.SubmitOption) (*messaging.MessageHandle, error) {
	return c.Submit(ctx, contracts.BroadcastNode, payload, priority, contracts.KindBroadcast, options...)
}

// Direct queues an acknowledged message for one node
func (c *Client) Direct(ctx context.Context, dest contracts.NodeID, payload []byte, priority contracts.Priority, options ...messaging.SubmitOption) (*messaging.MessageHandle, error) {
	return c.Submit(ctx, dest, payload, priority, contracts.KindDirect, options...)
}

// Acknowledge reports a radio acknowledgment for a transport token. Only
// needed when the transport does not report acknowledgments itself.
func (c *Client) Acknowledge(token messaging.AckToken) error {
	return c.scheduler.Acknowledge(token)
}

// Stats returns current scheduler counters
func (c *Client) Stats() contracts.Stats {
	return c.scheduler.Stats()
}

// Failures returns the most recent terminal failures
func (c *Client) Failures(ctx context.Context, limit int) ([]*reliability.FailureRecord, error) {
	return c.failures.List(ctx, limit)
}

// Scheduler returns the underlying scheduler
func (c *Client) Scheduler() *messaging.Scheduler {
	return c.scheduler
}

// Monitor returns the health monitor
func (c *Client) Monitor() *monitor.HealthMonitor {
	return c.monitor
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// HealthRegistry returns the registry behind HealthHandler
func (c *Client) HealthRegistry() *monitor.Registry {
	return c.health
}

// HealthHandler serves the aggregated health report
func (c *Client) HealthHandler() http.Handler {
	return monitor.NewHandler(c.health, 5*time.Second)
}

// StatsHandler serves counters, the last snapshot and recent alerts
func (c *Client) StatsHandler() http.Handler {
	return monitor.NewStatsHandler(c.scheduler, c.monitor)
}

// Close releases the transport and, when the client created it, the
// failure store. Call it after Run has returned.
func (c *Client) Close() error {
	var err error
	if c.transport != nil {
		err = multierr.Append(err, c.transport.Close())
	}
	if c.ownsStore && c.failures != nil {
		err = multierr.Append(err, c.failures.Close())
	}
	return err
}

// clientConfig holds client configuration
type clientConfig struct {
	logger              *slog.Logger
	scheduler           messaging.SchedulerConfig
	retryPolicy         reliability.RetryPolicy
	listener            contracts.DeliveryListener
	failures            reliability.FailureStore
	alertHandlers       []monitor.AlertHandler
	healthCheckInterval time.Duration
	registerer          prometheus.Registerer
	metricsNamespace    string
	clock               clock.Clock
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithSchedulerConfig sets queue limits and timings
func WithSchedulerConfig(sc messaging.SchedulerConfig) ClientOption {
	return func(cfg *clientConfig) {
		cfg.scheduler = sc
	}
}

// WithRetryPolicy sets the resend policy for unacknowledged direct messages
func WithRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = policy
	}
}

// WithDeliveryListener sets the listener notified of every terminal outcome
func WithDeliveryListener(listener contracts.DeliveryListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listener = listener
	}
}

// WithFailureStore records terminal failures in store. The caller keeps
// ownership and closes it.
func WithFailureStore(store reliability.FailureStore) ClientOption {
	return func(cfg *clientConfig) {
		cfg.failures = store
	}
}

// WithAlertHandlers adds handlers notified of health alerts
func WithAlertHandlers(handlers ...monitor.AlertHandler) ClientOption {
	return func(cfg *clientConfig) {
		cfg.alertHandlers = append(cfg.alertHandlers, handlers...)
	}
}

// WithHealthCheckInterval sets how often the health monitor samples
func WithHealthCheckInterval(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.healthCheckInterval = interval
	}
}

// WithPrometheus registers scheduler metrics with reg under namespace
func WithPrometheus(reg prometheus.Registerer, namespace string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
		if namespace != "" {
			cfg.metricsNamespace = namespace
		}
	}
}

// WithClock sets the clock shared by the scheduler and the monitor
func WithClock(c clock.Clock) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clock = c
	}
}
