package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meshbbs/meshsched/contracts"
	"github.com/meshbbs/meshsched/internal/queue"
	"github.com/meshbbs/meshsched/internal/reliability"
)

// ErrSchedulerRunning is returned when Run is called more than once
var ErrSchedulerRunning = errors.New("scheduler already running")

// SchedulerConfig holds the scheduler limits and timings
type SchedulerConfig struct {
	MaxQueue               int
	AgingThreshold         time.Duration
	MinSendGap             time.Duration
	WriteTimeout           time.Duration
	TickInterval           time.Duration
	MaxPending             int
	PendingMaxAge          time.Duration
	PendingCleanupInterval time.Duration
	MaxPayloadBytes        int
	// AdmissionThresholdPercent is the queue fill level above which
	// submissions are rejected.
	AdmissionThresholdPercent int
}

// DefaultSchedulerConfig returns the radio defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxQueue:                  512,
		AgingThreshold:            5 * time.Second,
		MinSendGap:                2 * time.Second,
		WriteTimeout:              5 * time.Second,
		TickInterval:              50 * time.Millisecond,
		MaxPending:                100,
		PendingMaxAge:             600 * time.Second,
		PendingCleanupInterval:    300 * time.Second,
		MaxPayloadBytes:           230,
		AdmissionThresholdPercent: 95,
	}
}

// Validate checks the configuration
func (c SchedulerConfig) Validate() error {
	switch {
	case c.MaxQueue <= 0:
		return fmt.Errorf("max queue must be positive, got %d", c.MaxQueue)
	case c.MaxPending <= 0:
		return fmt.Errorf("max pending must be positive, got %d", c.MaxPending)
	case c.AgingThreshold < 0:
		return fmt.Errorf("aging threshold must not be negative")
	case c.MinSendGap < 0:
		return fmt.Errorf("min send gap must not be negative")
	case c.WriteTimeout <= 0:
		return fmt.Errorf("write timeout must be positive")
	case c.TickInterval <= 0:
		return fmt.Errorf("tick interval must be positive")
	case c.PendingMaxAge <= 0:
		return fmt.Errorf("pending max age must be positive")
	case c.PendingCleanupInterval <= 0:
		return fmt.Errorf("pending cleanup interval must be positive")
	case c.MaxPayloadBytes <= 0:
		return fmt.Errorf("max payload bytes must be positive, got %d", c.MaxPayloadBytes)
	case c.AdmissionThresholdPercent < 1 || c.AdmissionThresholdPercent > 100:
		return fmt.Errorf("admission threshold must be within 1..100, got %d", c.AdmissionThresholdPercent)
	}
	return nil
}

// SchedulerOption configures the scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSchedulerClock sets the clock shared by the queue, tracker and pacer
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithDeliveryListener sets the listener notified of every terminal outcome
func WithDeliveryListener(listener contracts.DeliveryListener) SchedulerOption {
	return func(s *Scheduler) {
		s.listener = listener
	}
}

// WithMetricsRecorder sets the metrics sink
func WithMetricsRecorder(metrics MetricsRecorder) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithFailureStore records terminal failures for later inspection
func WithFailureStore(store reliability.FailureStore) SchedulerOption {
	return func(s *Scheduler) {
		s.failures = store
	}
}

// WithRetryPolicy sets the retry policy for failed direct sends
func WithRetryPolicy(policy reliability.RetryPolicy) SchedulerOption {
	return func(s *Scheduler) {
		s.policy = policy
	}
}

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdAckToken
	cmdAckMessage
)

type command struct {
	kind      commandKind
	msg       *contracts.OutgoingMessage
	handle    *MessageHandle
	token     AckToken
	messageID string
	reply     chan error
	// claim decides between the loop taking a submission and its caller
	// withdrawing it
	claim *atomic.Int32
}

const (
	claimPending int32 = iota
	claimTaken
	claimWithdrawn
)

type sendResult struct {
	msg     *contracts.OutgoingMessage
	token   AckToken
	err     error
	elapsed time.Duration
}

// Scheduler owns the queue and the pending tracker. All state changes
// happen on the goroutine running Run; producers and the transport's ack
// path talk to it over a command channel.
type Scheduler struct {
	cfg       SchedulerConfig
	transport Transport
	queue     *queue.Queue
	tracker   *AcknowledgmentTracker
	pacer     *Pacer
	admission *reliability.AdmissionController
	retry     *reliability.RetryCoordinator
	policy    reliability.RetryPolicy
	listener  contracts.DeliveryListener
	metrics   MetricsRecorder
	failures  reliability.FailureStore
	clock     clock.Clock
	logger    *slog.Logger

	commands  chan command
	results   chan sendResult
	handles   map[string]*MessageHandle
	earlyAcks *lru.Cache[AckToken, struct{}]
	inFlight  *contracts.OutgoingMessage
	sendCtx   context.Context

	running atomic.Bool
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	sending    atomic.Bool
	dispatched atomic.Uint64
	rejected   atomic.Uint64
	timeouts   atomic.Uint64
}

// NewScheduler creates a scheduler writing to transport. Run must be
// started for submissions to make progress.
func NewScheduler(transport Transport, cfg SchedulerConfig, options ...SchedulerOption) (*Scheduler, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	s := &Scheduler{
		cfg:       cfg,
		transport: transport,
		metrics:   noopMetrics{},
		clock:     clock.New(),
		logger:    slog.Default(),
		commands:  make(chan command, 256),
		results:   make(chan sendResult, 1),
		handles:   make(map[string]*MessageHandle),
		done:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.policy == nil {
		s.policy = reliability.NewScheduleBackoff(
			[]time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second}, 3)
	}

	s.queue = queue.New(cfg.MaxQueue, cfg.AgingThreshold, queue.WithClock(s.clock))
	s.tracker = NewAcknowledgmentTracker(&AcknowledgmentTrackerOptions{
		MaxPending: cfg.MaxPending,
		MaxAge:     cfg.PendingMaxAge,
		Clock:      s.clock,
		Logger:     s.logger,
	})
	s.pacer = NewPacer(cfg.MinSendGap, cfg.WriteTimeout,
		WithPacerClock(s.clock),
		WithPacerLogger(s.logger))
	s.admission = reliability.NewAdmissionController(s.queue.Len, cfg.MaxQueue,
		reliability.WithThresholdPercent(cfg.AdmissionThresholdPercent))
	s.retry = reliability.NewRetryCoordinator(s.policy, s.enqueue,
		reliability.WithRetryClock(s.clock),
		reliability.WithRetryLogger(s.logger))
	s.earlyAcks, _ = lru.New[AckToken, struct{}](64)

	return s, nil
}

// Submit validates and enqueues a message. It returns contracts.ErrQueueFull
// (as a *reliability.AdmissionError) when the scheduler is overloaded and
// contracts.ErrPayloadTooLarge when the payload exceeds the frame limit.
// Delivery outcomes are reported through the returned handle and listeners.
//
// Submit waits for the Run loop to accept or reject the message, so before
// Run starts it blocks until Run does or ctx ends. If ctx ends before the
// loop picks the message up, the message is withdrawn and ctx.Err() is
// returned; once the loop has it, Submit reports the loop's decision. An
// error from Submit therefore always means the message will not be sent.
func (s *Scheduler) Submit(ctx context.Context, dest contracts.NodeID, payload []byte, priority contracts.Priority, kind contracts.Kind, options ...SubmitOption) (*MessageHandle, error) {
	if len(payload) > s.cfg.MaxPayloadBytes {
		s.rejected.Add(1)
		s.metrics.MessageRejected(priority, reliability.CodePayloadTooLarge)
		return nil, fmt.Errorf("%w: %d bytes, limit %d", contracts.ErrPayloadTooLarge, len(payload), s.cfg.MaxPayloadBytes)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %d", priority)
	}
	switch kind {
	case contracts.KindBroadcast:
	case contracts.KindDirect:
		if dest == contracts.BroadcastNode {
			return nil, fmt.Errorf("direct message requires a node destination")
		}
	default:
		return nil, fmt.Errorf("invalid message kind %d", kind)
	}

	opts := submitOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	msg := contracts.NewOutgoingMessage(dest, append([]byte(nil), payload...), priority, kind)
	msg.Channel = opts.channel
	if opts.delay > 0 {
		msg.NotBefore = s.clock.Now().Add(opts.delay)
	}
	handle := newMessageHandle(msg, opts.listener)

	cmd := command{kind: cmdSubmit, msg: msg, handle: handle, reply: make(chan error, 1), claim: &atomic.Int32{}}
	if err := s.send(ctx, cmd); err != nil {
		return nil, err
	}

	var abandon error
	select {
	case err := <-cmd.reply:
		return submitResult(handle, err)
	case <-ctx.Done():
		abandon = ctx.Err()
	case <-s.done:
		abandon = contracts.ErrSchedulerClosed
	}

	if cmd.claim.CompareAndSwap(claimPending, claimWithdrawn) {
		return nil, abandon
	}
	// the loop took the message and replies without blocking
	return submitResult(handle, <-cmd.reply)
}

func submitResult(handle *MessageHandle, err error) (*MessageHandle, error) {
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Acknowledge reports a radio acknowledgment for a transport token
func (s *Scheduler) Acknowledge(token AckToken) error {
	return s.send(context.Background(), command{kind: cmdAckToken, token: token})
}

// AcknowledgeMessage reports a radio acknowledgment by message ID
func (s *Scheduler) AcknowledgeMessage(messageID string) error {
	return s.send(context.Background(), command{kind: cmdAckMessage, messageID: messageID})
}

func (s *Scheduler) send(ctx context.Context, cmd command) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return contracts.ErrSchedulerClosed
	}

	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return contracts.ErrSchedulerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters. It is safe to call from any goroutine.
func (s *Scheduler) Stats() contracts.Stats {
	qs := s.queue.Stats()
	return contracts.Stats{
		Queued:           qs.Depth,
		DroppedTotal:     qs.Dropped,
		EscalationsTotal: qs.Promoted,
		PendingCount:     s.tracker.Len(),
		Capacity:         qs.Capacity,
		MaxPending:       s.tracker.Max(),
		InFlight:         s.sending.Load(),
		DispatchedTotal:  s.dispatched.Load(),
		RejectedTotal:    s.rejected.Load(),

		TransportTimeoutsTotal: s.timeouts.Load(),
	}
}

// AdmissionState reports whether submissions are currently being rejected
func (s *Scheduler) AdmissionState() reliability.State {
	return s.admission.State()
}

// Run drives the scheduler until ctx is cancelled. On return every message
// still queued or pending has been failed with contracts.ErrSchedulerClosed.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSchedulerRunning
	}

	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()
	s.sendCtx = sendCtx

	tick := s.clock.Ticker(s.cfg.TickInterval)
	defer tick.Stop()
	cleanup := s.clock.Ticker(s.cfg.PendingCleanupInterval)
	defer cleanup.Stop()

	s.logger.Info("Scheduler started",
		"maxQueue", s.cfg.MaxQueue,
		"maxPending", s.cfg.MaxPending,
		"minSendGap", s.cfg.MinSendGap,
		"maxRetries", s.retry.MaxRetries())

	for {
		select {
		case <-ctx.Done():
			s.shutdown(cancelSend)
			return nil
		case cmd := <-s.commands:
			s.handleCommand(cmd)
			s.dispatch()
		case res := <-s.results:
			s.handleResult(res)
			s.dispatch()
		case <-tick.C:
			if n := s.queue.Age(); n > 0 {
				s.metrics.Promoted(n)
				s.logger.Debug("Aged queued messages", "promotions", n)
			}
			s.dispatch()
		case <-cleanup.C:
			s.cleanup()
			s.dispatch()
		}
	}
}

func (s *Scheduler) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdSubmit:
		if !cmd.claim.CompareAndSwap(claimPending, claimTaken) {
			return
		}
		err := s.enqueue(cmd.msg)
		if err == nil {
			s.handles[cmd.msg.ID] = cmd.handle
			s.metrics.MessageSubmitted(cmd.msg.Priority, cmd.msg.Kind)
			s.logger.Debug("Message queued",
				"messageId", cmd.msg.ID,
				"destination", cmd.msg.Destination.String(),
				"priority", cmd.msg.Priority.String(),
				"kind", cmd.msg.Kind.String())
		}
		cmd.reply <- err
	case cmdAckToken:
		s.acknowledgeToken(cmd.token)
	case cmdAckMessage:
		if p, ok := s.tracker.Acknowledge(cmd.messageID); ok {
			s.deliver(p.Message, p.Age(s.clock.Now()))
		}
	}
}

// enqueue is the admission + queue path shared by submissions and retries
func (s *Scheduler) enqueue(msg *contracts.OutgoingMessage) error {
	if err := s.admission.Admit(msg.Priority); err != nil {
		s.rejected.Add(1)
		s.metrics.MessageRejected(msg.Priority, reliability.CodeQueueFull)
		s.logger.Warn("Message rejected: system overloaded",
			"messageId", msg.ID,
			"priority", msg.Priority.String(),
			"error", err)
		return err
	}

	evicted, err := s.queue.Enqueue(msg)
	if err != nil {
		s.rejected.Add(1)
		s.metrics.MessageRejected(msg.Priority, reliability.FailureCode(err))
		s.logger.Warn("Message rejected by queue",
			"messageId", msg.ID,
			"priority", msg.Priority.String(),
			"error", err)
		return err
	}

	if evicted != nil {
		s.logger.Warn("Queue at capacity, dropped queued message",
			"droppedId", evicted.Message.ID,
			"droppedPriority", evicted.Effective.String(),
			"admittedId", msg.ID)
		s.fail(evicted.Message, contracts.ErrDroppedForCapacity)
	}
	return nil
}

// dispatch starts the next physical send if the link is idle and the
// send gap has elapsed
func (s *Scheduler) dispatch() {
	if s.inFlight != nil || s.pacer.Remaining() > 0 {
		return
	}
	entry, ok := s.queue.Dequeue()
	if !ok {
		return
	}

	msg := entry.Message
	s.inFlight = msg
	s.sending.Store(true)
	s.dispatched.Add(1)

	s.logger.Debug("Dispatching message",
		"messageId", msg.ID,
		"destination", msg.Destination.String(),
		"priority", msg.Priority.String(),
		"effective", entry.Effective.String(),
		"attempt", msg.Attempts,
		"waited", entry.Age(s.clock.Now()))

	ctx := s.sendCtx
	go func() {
		start := s.clock.Now()
		token, err := s.pacer.Send(ctx, s.transport, msg)
		s.results <- sendResult{msg: msg, token: token, err: err, elapsed: s.clock.Since(start)}
	}()
}

func (s *Scheduler) handleResult(res sendResult) {
	s.inFlight = nil
	s.sending.Store(false)
	msg := res.msg

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) && s.sendCtx.Err() != nil {
			s.fail(msg, contracts.ErrSchedulerClosed)
			return
		}
		if errors.Is(res.err, contracts.ErrTransportTimeout) {
			s.timeouts.Add(1)
		}
		s.metrics.SendFailed(msg.Kind, reliability.FailureCode(res.err))
		s.logger.Warn("Send failed",
			"messageId", msg.ID,
			"destination", msg.Destination.String(),
			"kind", msg.Kind.String(),
			"attempt", msg.Attempts,
			"error", res.err)
		s.handleFailure(msg, res.err)
		return
	}

	s.metrics.MessageSent(msg.Kind, res.elapsed)

	if msg.IsBroadcast() {
		s.deliver(msg, 0)
		return
	}

	evicted := s.tracker.RecordSent(msg, res.token)
	if len(evicted) > 0 {
		s.metrics.PendingEvicted(len(evicted))
	}
	for _, p := range evicted {
		s.fail(p.Message, contracts.ErrCleanupEviction)
	}

	if res.token != "" && s.earlyAcks.Contains(res.token) {
		s.earlyAcks.Remove(res.token)
		s.acknowledgeToken(res.token)
	}
}

func (s *Scheduler) acknowledgeToken(token AckToken) {
	p, ok := s.tracker.AcknowledgeToken(token)
	if !ok {
		// the ack can overtake the write result
		if s.inFlight != nil && token != "" {
			s.earlyAcks.Add(token, struct{}{})
		}
		return
	}
	s.deliver(p.Message, p.Age(s.clock.Now()))
}

func (s *Scheduler) handleFailure(msg *contracts.OutgoingMessage, reason error) {
	outcome := s.retry.HandleFailure(msg, reason)
	if outcome.Requeued {
		s.metrics.RetryScheduled(msg.Attempts)
		return
	}
	s.fail(msg, outcome.Err)
}

func (s *Scheduler) cleanup() {
	res := s.tracker.Cleanup()
	if n := len(res.Expired); n > 0 {
		s.metrics.AckExpired(n)
	}
	if n := len(res.Evicted); n > 0 {
		s.metrics.PendingEvicted(n)
	}

	for _, p := range res.Expired {
		s.handleFailure(p.Message, contracts.ErrAckTimeout)
	}
	for _, p := range res.Evicted {
		s.fail(p.Message, contracts.ErrCleanupEviction)
	}
}

func (s *Scheduler) deliver(msg *contracts.OutgoingMessage, ackLatency time.Duration) {
	s.metrics.MessageDelivered(msg.Priority, ackLatency)
	s.logger.Debug("Message delivered",
		"messageId", msg.ID,
		"destination", msg.Destination.String(),
		"attempts", msg.Attempts,
		"ackLatency", ackLatency)
	s.finish(msg, Outcome{Delivered: true})
}

func (s *Scheduler) fail(msg *contracts.OutgoingMessage, reason error) {
	s.metrics.MessageFailed(msg.Priority, reliability.FailureCode(reason))
	s.logger.Warn("Message failed",
		"messageId", msg.ID,
		"destination", msg.Destination.String(),
		"priority", msg.Priority.String(),
		"attempts", msg.Attempts,
		"error", reason)
	s.recordFailure(msg, reason)
	s.finish(msg, Outcome{Err: reason})
}

// finish completes the message's handle and notifies listeners. A message
// without a handle has already finished.
func (s *Scheduler) finish(msg *contracts.OutgoingMessage, outcome Outcome) {
	h, ok := s.handles[msg.ID]
	if !ok {
		return
	}
	delete(s.handles, msg.ID)

	outcome.MessageID = msg.ID
	outcome.Attempts = msg.Attempts
	outcome.CompletedAt = s.clock.Now()
	if !h.complete(outcome) {
		return
	}

	listeners := make([]contracts.DeliveryListener, 0, 2)
	if s.listener != nil {
		listeners = append(listeners, s.listener)
	}
	if h.listener != nil {
		listeners = append(listeners, h.listener)
	}
	if len(listeners) == 0 {
		return
	}

	s.wg.Add(1)
	go s.notify(listeners, outcome)
}

func (s *Scheduler) notify(listeners []contracts.DeliveryListener, outcome Outcome) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Delivery listener panicked",
				"messageId", outcome.MessageID,
				"panic", r)
		}
	}()

	for _, l := range listeners {
		if outcome.Delivered {
			l.OnDelivered(outcome.MessageID)
		} else {
			l.OnFailed(outcome.MessageID, outcome.Err)
		}
	}
}

func (s *Scheduler) recordFailure(msg *contracts.OutgoingMessage, reason error) {
	if s.failures == nil {
		return
	}
	rec := reliability.NewFailureRecord(msg, reason, s.clock.Now())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.failures.Store(ctx, rec); err != nil {
			s.logger.Error("Failed to record delivery failure",
				"messageId", msg.ID,
				"error", err)
		}
	}()
}

// shutdown stops intake, settles the in-flight send, runs a final cleanup
// and fails everything that is left
func (s *Scheduler) shutdown(cancelSend context.CancelFunc) {
	close(s.done)
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	cancelSend()
	if s.inFlight != nil {
		s.handleResult(<-s.results)
	}

	for drained := false; !drained; {
		select {
		case cmd := <-s.commands:
			if cmd.kind == cmdSubmit {
				cmd.reply <- contracts.ErrSchedulerClosed
				continue
			}
			s.handleCommand(cmd)
		default:
			drained = true
		}
	}

	s.cleanup()

	queued := s.queue.Drain()
	for _, e := range queued {
		s.fail(e.Message, contracts.ErrSchedulerClosed)
	}
	pending := s.tracker.Drain()
	for _, p := range pending {
		s.fail(p.Message, contracts.ErrSchedulerClosed)
	}

	s.wg.Wait()

	s.logger.Info("Scheduler stopped",
		"failedQueued", len(queued),
		"failedPending", len(pending),
		"dispatched", s.dispatched.Load())
}
