package monitor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/meshbbs/meshsched/internal/reliability"
)

// RuntimeChecker reports on goroutine count and heap size
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Status:  StatusHealthy,
		Message: "runtime normal",
		Details: map[string]interface{}{
			"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":       m.NumGC,
			"goroutines":    goroutines,
		},
		Timestamp: start,
	}

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	}

	result.Duration = time.Since(start)
	return result
}

// FailureStoreChecker verifies the failure store answers queries. A broken
// store never blocks sends, so it only degrades health.
type FailureStoreChecker struct {
	store reliability.FailureStore
}

// NewFailureStoreChecker creates a checker for store
func NewFailureStoreChecker(store reliability.FailureStore) *FailureStoreChecker {
	return &FailureStoreChecker{store: store}
}

func (c *FailureStoreChecker) Name() string {
	return "failure_store"
}

func (c *FailureStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Timestamp: start}

	stats, err := c.store.Stats(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("failure store unavailable: %v", err)
		return result
	}

	result.Status = StatusHealthy
	result.Details = map[string]interface{}{
		"records": stats.Total,
		"by_code": stats.ByCode,
	}
	return result
}

// CircuitBreakerChecker reports a transport circuit breaker. An open
// breaker means sends are failing fast.
type CircuitBreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerChecker creates a checker for breaker
func NewCircuitBreakerChecker(breaker *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{breaker: breaker}
}

func (c *CircuitBreakerChecker) Name() string {
	return "breaker_" + c.breaker.Name()
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.breaker.State()
	stats := c.breaker.Stats()

	result := CheckResult{
		Status:  StatusHealthy,
		Message: "circuit " + state.String(),
		Details: map[string]interface{}{
			"state":          state.String(),
			"failures":       stats.Failures,
			"total_rejected": stats.TotalRejected,
		},
		Timestamp: start,
	}
	switch state {
	case reliability.CircuitOpen:
		result.Status = StatusUnhealthy
	case reliability.CircuitHalfOpen:
		result.Status = StatusDegraded
	}
	result.Duration = time.Since(start)
	return result
}
