package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshbbs/meshsched/contracts"
)

// StatsSource provides scheduler counters
type StatsSource interface {
	Stats() contracts.Stats
}

// HealthSnapshot is a point-in-time sample of scheduler counters
type HealthSnapshot struct {
	Queued                 int       `json:"queued"`
	Capacity               int       `json:"capacity"`
	DroppedTotal           uint64    `json:"droppedTotal"`
	PromotionsTotal        uint64    `json:"promotionsTotal"`
	Pending                int       `json:"pending"`
	MaxPending             int       `json:"maxPending"`
	TransportTimeoutsTotal uint64    `json:"transportTimeoutsTotal"`
	TakenAt                time.Time `json:"takenAt"`
}

// NewHealthSnapshot builds a snapshot from stats taken at now
func NewHealthSnapshot(stats contracts.Stats, now time.Time) HealthSnapshot {
	return HealthSnapshot{
		Queued:          stats.Queued,
		Capacity:        stats.Capacity,
		DroppedTotal:    stats.DroppedTotal,
		PromotionsTotal: stats.EscalationsTotal,
		Pending:         stats.PendingCount,
		MaxPending:      stats.MaxPending,
		TakenAt:         now,

		TransportTimeoutsTotal: stats.TransportTimeoutsTotal,
	}
}

// DepthPercent returns queue fill as a percentage of capacity
func (s HealthSnapshot) DepthPercent() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.Queued) * 100 / float64(s.Capacity)
}

// PendingPercent returns tracker fill as a percentage of its maximum
func (s HealthSnapshot) PendingPercent() float64 {
	if s.MaxPending <= 0 {
		return 0
	}
	return float64(s.Pending) * 100 / float64(s.MaxPending)
}

// HealthMonitor periodically samples scheduler stats and raises alerts.
// It only reads; it never changes scheduler state.
type HealthMonitor struct {
	source         StatsSource
	interval       time.Duration
	depthWarning   float64
	pendingWarning float64
	handlers       []AlertHandler
	handlerTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	mu       sync.RWMutex
	last     *HealthSnapshot
	elevated bool
	recent   []*Alert
	wg       sync.WaitGroup
}

// HealthMonitorOption configures the health monitor
type HealthMonitorOption func(*HealthMonitor)

// WithCheckInterval sets how often stats are sampled
func WithCheckInterval(interval time.Duration) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.interval = interval
	}
}

// WithDepthWarningPercent sets the queue fill level that raises a warning
func WithDepthWarningPercent(percent float64) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.depthWarning = percent
	}
}

// WithPendingWarningPercent sets the tracker fill level that raises a warning
func WithPendingWarningPercent(percent float64) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.pendingWarning = percent
	}
}

// WithAlertHandler adds an alert handler
func WithAlertHandler(handler AlertHandler) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.handlers = append(m.handlers, handler)
	}
}

// WithMonitorClock sets the clock
func WithMonitorClock(c clock.Clock) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.clock = c
	}
}

// WithMonitorLogger sets the logger
func WithMonitorLogger(logger *slog.Logger) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.logger = logger
	}
}

const recentAlertLimit = 50

// NewHealthMonitor creates a monitor over source
func NewHealthMonitor(source StatsSource, options ...HealthMonitorOption) *HealthMonitor {
	m := &HealthMonitor{
		source:         source,
		interval:       30 * time.Second,
		depthWarning:   80,
		pendingWarning: 85,
		handlerTimeout: 10 * time.Second,
		clock:          clock.New(),
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Run samples stats every interval until ctx is cancelled
func (m *HealthMonitor) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Health monitor started", "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check takes one sample, logs it and returns the alerts it raised
func (m *HealthMonitor) Check() []*Alert {
	snap := NewHealthSnapshot(m.source.Stats(), m.clock.Now())

	m.mu.Lock()
	prev := HealthSnapshot{}
	if m.last != nil {
		prev = *m.last
	}
	alerts := m.evaluate(prev, snap)
	m.last = &snap
	m.recent = append(m.recent, alerts...)
	if over := len(m.recent) - recentAlertLimit; over > 0 {
		m.recent = append([]*Alert(nil), m.recent[over:]...)
	}
	handlers := m.handlers
	m.mu.Unlock()

	m.logger.Info("Scheduler health",
		"queued", snap.Queued,
		"capacity", snap.Capacity,
		"pending", snap.Pending,
		"maxPending", snap.MaxPending,
		"droppedTotal", snap.DroppedTotal,
		"transportTimeouts", snap.TransportTimeoutsTotal-prev.TransportTimeoutsTotal,
		"promotions", snap.PromotionsTotal-prev.PromotionsTotal)

	for _, alert := range alerts {
		switch alert.Level {
		case AlertLevelCritical:
			m.logger.Error(alert.Message, alert.logAttrs()...)
		case AlertLevelWarning:
			m.logger.Warn(alert.Message, alert.logAttrs()...)
		default:
			m.logger.Info(alert.Message, alert.logAttrs()...)
		}
	}

	if len(alerts) > 0 && len(handlers) > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sendToHandlers(handlers, alerts, m.handlerTimeout, m.logger)
		}()
	}

	return alerts
}

// evaluate compares two samples; callers hold m.mu
func (m *HealthMonitor) evaluate(prev, cur HealthSnapshot) []*Alert {
	var alerts []*Alert
	now := cur.TakenAt

	if depth := cur.DepthPercent(); depth > m.depthWarning {
		m.elevated = true
		alerts = append(alerts, newAlert(AlertQueueDepth, AlertLevelWarning,
			fmt.Sprintf("Queue depth high: %d of %d", cur.Queued, cur.Capacity),
			map[string]interface{}{
				"queued":   cur.Queued,
				"capacity": cur.Capacity,
				"percent":  depth,
			}, now))
	} else if m.elevated && cur.Queued == 0 {
		m.elevated = false
		alerts = append(alerts, newAlert(AlertQueueRecovered, AlertLevelInfo,
			"Queue drained after elevated depth",
			map[string]interface{}{"capacity": cur.Capacity}, now))
	}

	if cur.DroppedTotal > prev.DroppedTotal {
		delta := cur.DroppedTotal - prev.DroppedTotal
		alerts = append(alerts, newAlert(AlertMessagesDropped, AlertLevelCritical,
			fmt.Sprintf("%d messages dropped since last check", delta),
			map[string]interface{}{
				"dropped":      delta,
				"droppedTotal": cur.DroppedTotal,
			}, now))
	}

	if cur.TransportTimeoutsTotal > prev.TransportTimeoutsTotal {
		delta := cur.TransportTimeoutsTotal - prev.TransportTimeoutsTotal
		alerts = append(alerts, newAlert(AlertTransportTimeout, AlertLevelWarning,
			fmt.Sprintf("%d transport writes timed out since last check", delta),
			map[string]interface{}{
				"timeouts":      delta,
				"timeoutsTotal": cur.TransportTimeoutsTotal,
			}, now))
	}

	if pending := cur.PendingPercent(); pending > m.pendingWarning {
		alerts = append(alerts, newAlert(AlertPendingHigh, AlertLevelWarning,
			fmt.Sprintf("Pending acknowledgments high: %d of %d", cur.Pending, cur.MaxPending),
			map[string]interface{}{
				"pending":    cur.Pending,
				"maxPending": cur.MaxPending,
				"percent":    pending,
			}, now))
	}

	return alerts
}

// Last returns the most recent snapshot
func (m *HealthMonitor) Last() (HealthSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return HealthSnapshot{}, false
	}
	return *m.last, true
}

// RecentAlerts returns the latest alerts, oldest first
func (m *HealthMonitor) RecentAlerts() []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Alert(nil), m.recent...)
}
