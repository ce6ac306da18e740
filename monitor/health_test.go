package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/meshbbs/meshsched/contracts"
	"github.com/meshbbs/meshsched/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStats is a StatsSource with settable counters
type fakeStats struct {
	mu    sync.Mutex
	stats contracts.Stats
}

func (f *fakeStats) Stats() contracts.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeStats) set(fn func(s *contracts.Stats)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.stats)
}

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status, Message: string(status)}
	})
}

func TestRegistry_Check(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("b-healthy", StatusHealthy))
		registry.Register(staticChecker("a-degraded", StatusDegraded))

		report := registry.Check(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)
		require.Len(t, report.Checks, 2)
		assert.Equal(t, "a-degraded", report.Checks[0].Name)
		assert.Equal(t, "b-healthy", report.Checks[1].Name)

		registry.Register(staticChecker("c-unhealthy", StatusUnhealthy))
		report = registry.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)
	})

	t.Run("register replaces by name", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("scheduler", StatusUnhealthy))
		registry.Register(staticChecker("scheduler", StatusHealthy))

		report := registry.Check(context.Background())
		require.Len(t, report.Checks, 1)
		assert.Equal(t, StatusHealthy, report.Status)
	})

	t.Run("slow checker counts as unhealthy", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		report := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		require.Len(t, report.Checks, 1)
		assert.Contains(t, report.Checks[0].Message, "timed out")
	})

	t.Run("checks run concurrently", func(t *testing.T) {
		registry := NewRegistry()
		for _, name := range []string{"a", "b", "c", "d", "e"} {
			registry.Register(NewCheckerFunc(name, func(ctx context.Context) CheckResult {
				time.Sleep(30 * time.Millisecond)
				return CheckResult{Status: StatusHealthy}
			}))
		}

		start := time.Now()
		report := registry.Check(context.Background())
		assert.Less(t, time.Since(start), 120*time.Millisecond)
		assert.Len(t, report.Checks, 5)
	})
}

func TestSchedulerChecker(t *testing.T) {
	tests := []struct {
		name    string
		stats   contracts.Stats
		want    Status
		message string
	}{
		{
			name:  "idle",
			stats: contracts.Stats{Capacity: 100, MaxPending: 100},
			want:  StatusHealthy,
		},
		{
			name:    "shedding load",
			stats:   contracts.Stats{Queued: 96, Capacity: 100, MaxPending: 100},
			want:    StatusUnhealthy,
			message: "admission threshold",
		},
		{
			name:  "at admission threshold",
			stats: contracts.Stats{Queued: 95, Capacity: 100, MaxPending: 100},
			want:  StatusDegraded,
		},
		{
			name:    "deep queue",
			stats:   contracts.Stats{Queued: 81, Capacity: 100, MaxPending: 100},
			want:    StatusDegraded,
			message: "queue depth",
		},
		{
			name:    "many pending",
			stats:   contracts.Stats{Capacity: 100, PendingCount: 90, MaxPending: 100},
			want:    StatusDegraded,
			message: "pending",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeStats{stats: tt.stats}
			checker := NewSchedulerChecker(source, 95)

			result := checker.Check(context.Background())
			assert.Equal(t, "scheduler", checker.Name())
			assert.Equal(t, tt.want, result.Status)
			assert.Contains(t, result.Message, tt.message)
			assert.Equal(t, tt.stats.Queued, result.Details["queued"])
		})
	}
}

type brokenStore struct {
	reliability.FailureStore
}

func (brokenStore) Stats(ctx context.Context) (*reliability.FailureStats, error) {
	return nil, errors.New("connection refused")
}

func TestFailureStoreChecker(t *testing.T) {
	t.Run("healthy store", func(t *testing.T) {
		store := reliability.NewInMemoryFailureStore(10)
		result := NewFailureStoreChecker(store).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 0, result.Details["records"])
	})

	t.Run("broken store degrades", func(t *testing.T) {
		result := NewFailureStoreChecker(brokenStore{}).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Contains(t, result.Message, "connection refused")
	})
}

func TestRuntimeChecker(t *testing.T) {
	result := NewRuntimeChecker(100000, 200000).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "goroutines")

	result = NewRuntimeChecker(0, 100000).Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
}

func TestHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		code   int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			registry.Register(staticChecker("test", tt.status))
			handler := NewHandler(registry, time.Second)

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var report Report
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
			assert.Equal(t, tt.status, report.Status)
			require.Len(t, report.Checks, 1)
			assert.Equal(t, "test", report.Checks[0].Name)
		})
	}

	t.Run("method not allowed", func(t *testing.T) {
		handler := NewHandler(NewRegistry(), time.Second)
		req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
