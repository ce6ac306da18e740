package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Report aggregates the results of all registered checks
type Report struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a named checker from fn
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

// Check implements Checker
func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

// Name implements Checker
func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry manages health checks
type Registry struct {
	checkers map[string]Checker
	mu       sync.RWMutex
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
	}
}

// Register adds a health checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Check runs every checker concurrently. A checker that has not answered
// when ctx is done counts as unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	start := time.Now()
	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			res := c.Check(ctx)
			res.Name = c.Name()
			if res.Timestamp.IsZero() {
				res.Timestamp = time.Now()
			}
			results <- res
		}(c)
	}

	report := Report{Status: StatusHealthy}
	seen := make(map[string]bool, len(checkers))
	for i := 0; i < len(checkers); i++ {
		select {
		case res := <-results:
			seen[res.Name] = true
			report.Checks = append(report.Checks, res)
		case <-ctx.Done():
			for _, c := range checkers {
				if !seen[c.Name()] {
					report.Checks = append(report.Checks, CheckResult{
						Name:      c.Name(),
						Status:    StatusUnhealthy,
						Message:   fmt.Sprintf("check timed out: %v", ctx.Err()),
						Duration:  time.Since(start),
						Timestamp: time.Now(),
					})
				}
			}
			i = len(checkers)
		}
	}

	for _, res := range report.Checks {
		report.Status = worse(report.Status, res.Status)
	}
	sort.Slice(report.Checks, func(i, j int) bool {
		return report.Checks[i].Name < report.Checks[j].Name
	})
	report.Timestamp = time.Now()
	return report
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// NewSchedulerChecker reports the scheduler unhealthy while it is shedding
// submissions and degraded while the queue or tracker is near its limit.
func NewSchedulerChecker(source StatsSource, admissionPercent int) Checker {
	return NewCheckerFunc("scheduler", func(ctx context.Context) CheckResult {
		start := time.Now()
		snap := NewHealthSnapshot(source.Stats(), start)

		res := CheckResult{
			Status: StatusHealthy,
			Details: map[string]interface{}{
				"queued":     snap.Queued,
				"capacity":   snap.Capacity,
				"pending":    snap.Pending,
				"maxPending": snap.MaxPending,
				"dropped":    snap.DroppedTotal,
			},
		}

		switch {
		case snap.Queued*100 > snap.Capacity*admissionPercent:
			res.Status = StatusUnhealthy
			res.Message = "queue above admission threshold, rejecting submissions"
		case snap.DepthPercent() > 80:
			res.Status = StatusDegraded
			res.Message = "queue depth high"
		case snap.PendingPercent() > 85:
			res.Status = StatusDegraded
			res.Message = "pending acknowledgments high"
		}

		res.Duration = time.Since(start)
		return res
	})
}

// Handler serves the health report as JSON
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
