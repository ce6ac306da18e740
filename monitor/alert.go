package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AlertLevel represents the severity of an alert
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert kinds raised by the health monitor
const (
	AlertQueueDepth      = "queue_depth"
	AlertMessagesDropped = "messages_dropped"
	AlertQueueRecovered  = "queue_recovered"
	AlertPendingHigh     = "pending_high"

	AlertTransportTimeout = "transport_timeout"
)

// Alert is a single observation raised by the health monitor
type Alert struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Level     AlertLevel             `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func newAlert(kind string, level AlertLevel, message string, details map[string]interface{}, now time.Time) *Alert {
	return &Alert{
		ID:        uuid.New().String(),
		Kind:      kind,
		Level:     level,
		Message:   message,
		Details:   details,
		Timestamp: now,
	}
}

// logAttrs flattens the alert for structured logging
func (a *Alert) logAttrs() []any {
	attrs := []any{"kind", a.Kind, "alertId", a.ID}
	for k, v := range a.Details {
		attrs = append(attrs, k, v)
	}
	return attrs
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert *Alert) error
	Name() string
}

// AlertHandlerFunc adapts a function to AlertHandler
type AlertHandlerFunc struct {
	name string
	fn   func(ctx context.Context, alert *Alert) error
}

// NewAlertHandlerFunc creates a named handler from fn
func NewAlertHandlerFunc(name string, fn func(ctx context.Context, alert *Alert) error) *AlertHandlerFunc {
	return &AlertHandlerFunc{name: name, fn: fn}
}

// HandleAlert implements AlertHandler
func (h *AlertHandlerFunc) HandleAlert(ctx context.Context, alert *Alert) error {
	return h.fn(ctx, alert)
}

// Name implements AlertHandler
func (h *AlertHandlerFunc) Name() string {
	return h.name
}

// sendToHandlers delivers alerts to every handler, bounding each call
func sendToHandlers(handlers []AlertHandler, alerts []*Alert, timeout time.Duration, logger *slog.Logger) {
	for _, alert := range alerts {
		for _, handler := range handlers {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := handler.HandleAlert(ctx, alert); err != nil {
				logger.Error("Alert handler failed",
					"handler", handler.Name(),
					"alert", alert.ID,
					"error", err)
			}
			cancel()
		}
	}
}
