package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/meshbbs/meshsched/contracts"
	"github.com/meshbbs/meshsched/internal/reliability"
	"github.com/meshbbs/meshsched/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDaemon(t *testing.T, healthStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stats":{"queued":3,"capacity":512,"pendingCount":1,"maxPending":100,"dispatchedTotal":9},
			"recentAlerts":[{"id":"a1","kind":"queue_depth","level":"warning","message":"queue depth high"}]}`))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(healthStatus)
		_, _ = w.Write([]byte(`{"status":"unhealthy","checks":[{"name":"scheduler","status":"unhealthy","message":"queue full"}]}`))
	})
	mux.HandleFunc("/failures", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"id":"f1","messageId":"m1","destination":66,"priority":2,"code":"retry_exhausted","attempts":3}]`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDaemonClientFetch(t *testing.T) {
	server := fakeDaemon(t, http.StatusServiceUnavailable)

	snap, err := newDaemonClient(server.URL+"/").fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, snap.stats.Stats.Queued)
	assert.Equal(t, uint64(9), snap.stats.Stats.DispatchedTotal)
	require.Len(t, snap.stats.RecentAlerts, 1)
	assert.Equal(t, monitor.AlertLevelWarning, snap.stats.RecentAlerts[0].Level)

	assert.Equal(t, monitor.StatusUnhealthy, snap.health.Status)
	require.Len(t, snap.health.Checks, 1)

	require.Len(t, snap.failures, 1)
	assert.Equal(t, contracts.NodeID(66), snap.failures[0].Destination)
	assert.Equal(t, reliability.CodeRetryExhausted, snap.failures[0].Code)
}

func TestDaemonClientFetchError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := newDaemonClient(server.URL).fetch(context.Background())
	assert.Error(t, err)
}

func TestWatchModel(t *testing.T) {
	server := fakeDaemon(t, http.StatusOK)
	m := newModel(newDaemonClient(server.URL), time.Second)

	assert.Equal(t, "Loading...", m.View())

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = updated.(model)

	msg := m.fetchData()()
	data, ok := msg.(dataMsg)
	require.True(t, ok)
	require.NoError(t, data.err)

	updated, _ = m.Update(data)
	m = updated.(model)
	assert.Contains(t, m.View(), "Depth: 3/512")

	t.Run("tabs wrap around", func(t *testing.T) {
		left, _ := m.Update(tea.KeyMsg{Type: tea.KeyLeft})
		assert.Equal(t, failuresTab, left.(model).activeTab)
		assert.Contains(t, left.(model).View(), "retry_exhausted")

		right, _ := m.Update(tea.KeyMsg{Type: tea.KeyRight})
		assert.Equal(t, alertsTab, right.(model).activeTab)
		assert.Contains(t, right.(model).View(), "queue depth high")
	})

	t.Run("health tab", func(t *testing.T) {
		next := m
		for next.activeTab != healthTab {
			updated, _ := next.Update(tea.KeyMsg{Type: tea.KeyTab})
			next = updated.(model)
		}
		assert.Contains(t, next.View(), "queue full")
	})

	t.Run("fetch error keeps last snapshot", func(t *testing.T) {
		updated, _ := m.Update(dataMsg{err: assert.AnError})
		view := updated.(model).View()
		assert.Contains(t, view, "Error:")
		assert.Contains(t, view, "Depth: 3/512")
	})

	t.Run("quit", func(t *testing.T) {
		_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())
	})
}

func TestPercentBar(t *testing.T) {
	assert.Equal(t, "█████░░░░░", percentBar(50, 100, 10))
	assert.Equal(t, "██████████", percentBar(150, 100, 10))
	assert.Equal(t, "░░░░░░░░░░", percentBar(1, 0, 10))
}
