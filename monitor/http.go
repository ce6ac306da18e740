package monitor

import (
	"net/http"

	"github.com/meshbbs/meshsched/contracts"
)

// StatsResponse is the body served by StatsHandler
type StatsResponse struct {
	Stats        contracts.Stats `json:"stats"`
	LastSnapshot *HealthSnapshot `json:"lastSnapshot,omitempty"`
	RecentAlerts []*Alert        `json:"recentAlerts"`
}

// StatsHandler serves live scheduler counters plus the monitor's view
type StatsHandler struct {
	source  StatsSource
	monitor *HealthMonitor
}

// NewStatsHandler creates a stats handler. monitor may be nil.
func NewStatsHandler(source StatsSource, monitor *HealthMonitor) *StatsHandler {
	return &StatsHandler{source: source, monitor: monitor}
}

// ServeHTTP implements http.Handler
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := StatsResponse{
		Stats:        h.source.Stats(),
		RecentAlerts: []*Alert{},
	}
	if h.monitor != nil {
		if snap, ok := h.monitor.Last(); ok {
			resp.LastSnapshot = &snap
		}
		if alerts := h.monitor.RecentAlerts(); alerts != nil {
			resp.RecentAlerts = alerts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
