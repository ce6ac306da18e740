package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshbbs/meshsched/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectingHandler remembers every alert it receives
type collectingHandler struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (c *collectingHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *collectingHandler) Name() string { return "collector" }

func (c *collectingHandler) received() []*Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Alert(nil), c.alerts...)
}

func kinds(alerts []*Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Kind)
	}
	return out
}

func TestHealthSnapshot(t *testing.T) {
	snap := NewHealthSnapshot(contracts.Stats{
		Queued:           40,
		Capacity:         50,
		PendingCount:     10,
		MaxPending:       40,
		EscalationsTotal: 7,
	}, time.Unix(100, 0))

	assert.Equal(t, 80.0, snap.DepthPercent())
	assert.Equal(t, 25.0, snap.PendingPercent())
	assert.Equal(t, uint64(7), snap.PromotionsTotal)

	assert.Zero(t, HealthSnapshot{}.DepthPercent())
	assert.Zero(t, HealthSnapshot{}.PendingPercent())
}

func TestHealthMonitorCheck(t *testing.T) {
	t.Run("quiet scheduler raises nothing", func(t *testing.T) {
		source := &fakeStats{stats: contracts.Stats{Queued: 3, Capacity: 100, MaxPending: 100}}
		m := NewHealthMonitor(source, WithMonitorClock(clock.NewMock()))

		assert.Empty(t, m.Check())
		last, ok := m.Last()
		require.True(t, ok)
		assert.Equal(t, 3, last.Queued)
	})

	t.Run("exactly at threshold is not high", func(t *testing.T) {
		source := &fakeStats{stats: contracts.Stats{Queued: 80, Capacity: 100, PendingCount: 85, MaxPending: 100}}
		m := NewHealthMonitor(source)
		assert.Empty(t, m.Check())
	})

	t.Run("deep queue then recovery", func(t *testing.T) {
		source := &fakeStats{stats: contracts.Stats{Queued: 81, Capacity: 100, MaxPending: 100}}
		m := NewHealthMonitor(source)

		alerts := m.Check()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertQueueDepth, alerts[0].Kind)
		assert.Equal(t, AlertLevelWarning, alerts[0].Level)

		// partially drained: no alert yet
		source.set(func(s *contracts.Stats) { s.Queued = 10 })
		assert.Empty(t, m.Check())

		source.set(func(s *contracts.Stats) { s.Queued = 0 })
		alerts = m.Check()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertQueueRecovered, alerts[0].Kind)
		assert.Equal(t, AlertLevelInfo, alerts[0].Level)

		// recovery is reported once
		assert.Empty(t, m.Check())
	})

	t.Run("drops are reported as a delta", func(t *testing.T) {
		source := &fakeStats{stats: contracts.Stats{Capacity: 100, MaxPending: 100, DroppedTotal: 5}}
		m := NewHealthMonitor(source)

		alerts := m.Check()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertMessagesDropped, alerts[0].Kind)
		assert.Equal(t, uint64(5), alerts[0].Details["dropped"])

		assert.Empty(t, m.Check())

		source.set(func(s *contracts.Stats) { s.DroppedTotal = 8 })
		alerts = m.Check()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertLevelCritical, alerts[0].Level)
		assert.Equal(t, uint64(3), alerts[0].Details["dropped"])
	})

	t.Run("transport timeouts are reported as a delta", func(t *testing.T) {
		source := &fakeStats{stats: contracts.Stats{Capacity: 100, MaxPending: 100}}
		m := NewHealthMonitor(source)
		assert.Empty(t, m.Check())

		source.set(func(s *contracts.Stats) { s.TransportTimeoutsTotal = 2 })
		alerts := m.Check()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertTransportTimeout, alerts[0].Kind)
		assert.Equal(t, AlertLevelWarning, alerts[0].Level)
		assert.Equal(t, uint64(2), alerts[0].Details["timeouts"])

		last, ok := m.Last()
		require.True(t, ok)
		assert.Equal(t, uint64(2), last.TransportTimeoutsTotal)

		assert.Empty(t, m.Check())
	})

	t.Run("pending high", func(t *testing.T) {
		source := &fakeStats{stats: contracts.Stats{Capacity: 100, PendingCount: 90, MaxPending: 100}}
		m := NewHealthMonitor(source)

		alerts := m.Check()
		assert.Equal(t, []string{AlertPendingHigh}, kinds(alerts))
	})

	t.Run("custom thresholds", func(t *testing.T) {
		source := &fakeStats{stats: contracts.Stats{Queued: 60, Capacity: 100, PendingCount: 60, MaxPending: 100}}
		m := NewHealthMonitor(source,
			WithDepthWarningPercent(50),
			WithPendingWarningPercent(50))

		assert.ElementsMatch(t, []string{AlertQueueDepth, AlertPendingHigh}, kinds(m.Check()))
	})

	t.Run("recent alerts are bounded", func(t *testing.T) {
		source := &fakeStats{stats: contracts.Stats{Queued: 99, Capacity: 100, MaxPending: 100}}
		m := NewHealthMonitor(source)
		for i := 0; i < recentAlertLimit+10; i++ {
			m.Check()
		}
		assert.Len(t, m.RecentAlerts(), recentAlertLimit)
	})
}

func TestHealthMonitorHandlers(t *testing.T) {
	source := &fakeStats{stats: contracts.Stats{Capacity: 100, MaxPending: 100, DroppedTotal: 1}}
	collector := &collectingHandler{}
	m := NewHealthMonitor(source, WithAlertHandler(collector))

	alerts := m.Check()
	require.Len(t, alerts, 1)

	assert.Eventually(t, func() bool {
		return len(collector.received()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, alerts[0].ID, collector.received()[0].ID)
}

func TestHealthMonitorRun(t *testing.T) {
	mockClock := clock.NewMock()
	source := &fakeStats{stats: contracts.Stats{Queued: 1, Capacity: 100, MaxPending: 100}}
	m := NewHealthMonitor(source,
		WithCheckInterval(30*time.Second),
		WithMonitorClock(mockClock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mockClock.Add(30 * time.Second)
		_, ok := m.Last()
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
