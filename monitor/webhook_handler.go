package monitor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/meshbbs/meshsched/internal/reliability"
)

// WebhookAlertHandler posts alerts as JSON to an HTTP endpoint
type WebhookAlertHandler struct {
	name   string
	url    string
	secret string
	slack  bool
	client *http.Client
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// WebhookPayload is the generic body posted for each alert
type WebhookPayload struct {
	Service   string                 `json:"service"`
	Kind      string                 `json:"kind"`
	Level     AlertLevel             `json:"level"`
	Message   string                 `json:"message"`
	AlertID   string                 `json:"alertId"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// SlackPayload is the incoming-webhook body understood by Slack
type SlackPayload struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is a colored block within a Slack message
type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts"`
}

// SlackField is a key/value row of a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewWebhookAlertHandler creates a new webhook alert handler
func NewWebhookAlertHandler(name, url string, logger *slog.Logger) *WebhookAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookAlertHandler{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: reliability.NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 3),
		logger: logger,
	}
}

// NewSlackWebhookHandler creates a Slack-formatted webhook handler
func NewSlackWebhookHandler(name, url string, logger *slog.Logger) *WebhookAlertHandler {
	handler := NewWebhookAlertHandler(name, url, logger)
	handler.slack = true
	return handler
}

// WithSecret signs each body with HMAC-SHA256 in X-Hub-Signature-256
func (w *WebhookAlertHandler) WithSecret(secret string) *WebhookAlertHandler {
	w.secret = secret
	return w
}

// WithRetryPolicy replaces the delivery retry policy
func (w *WebhookAlertHandler) WithRetryPolicy(policy reliability.RetryPolicy) *WebhookAlertHandler {
	w.policy = policy
	return w
}

// WithTimeout sets the per-request timeout
func (w *WebhookAlertHandler) WithTimeout(timeout time.Duration) *WebhookAlertHandler {
	w.client.Timeout = timeout
	return w
}

// Name returns the handler name
func (w *WebhookAlertHandler) Name() string {
	return w.name
}

// HandleAlert sends an alert to the webhook endpoint
func (w *WebhookAlertHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	var body interface{}
	if w.slack {
		body = slackPayload(alert)
	} else {
		body = &WebhookPayload{
			Service:   "meshsched",
			Kind:      alert.Kind,
			Level:     alert.Level,
			Message:   alert.Message,
			AlertID:   alert.ID,
			Details:   alert.Details,
			Timestamp: alert.Timestamp,
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	attempt := 0
	err = reliability.Retry(ctx, w.policy, func() error {
		attempt++
		err := w.post(ctx, data)
		if err != nil {
			w.logger.Warn("Webhook send failed",
				"handler", w.name,
				"attempt", attempt,
				"error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("webhook %s failed after %d attempts: %w", w.name, attempt, err)
	}
	w.logger.Debug("Webhook sent", "handler", w.name, "attempt", attempt)
	return nil
}

func (w *WebhookAlertHandler) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return reliability.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "meshsched-monitor/1.0")
	if w.secret != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+signPayload(w.secret, data))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return reliability.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

func signPayload(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func slackPayload(alert *Alert) *SlackPayload {
	color := "good"
	switch alert.Level {
	case AlertLevelWarning:
		color = "warning"
	case AlertLevelCritical:
		color = "danger"
	}

	fields := []SlackField{
		{Title: "Kind", Value: alert.Kind, Short: true},
		{Title: "Level", Value: string(alert.Level), Short: true},
	}
	for k, v := range alert.Details {
		fields = append(fields, SlackField{Title: k, Value: fmt.Sprint(v), Short: true})
	}

	return &SlackPayload{
		Text: fmt.Sprintf("[meshsched] %s", alert.Message),
		Attachments: []SlackAttachment{{
			Color:  color,
			Fields: fields,
			Ts:     alert.Timestamp.Unix(),
		}},
	}
}

// LogAlertHandler logs alerts
type LogAlertHandler struct {
	name   string
	logger *slog.Logger
}

// NewLogAlertHandler creates a new log alert handler
func NewLogAlertHandler(name string, logger *slog.Logger) *LogAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlertHandler{name: name, logger: logger}
}

// Name returns the handler name
func (l *LogAlertHandler) Name() string {
	return l.name
}

// HandleAlert logs the alert
func (l *LogAlertHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	l.logger.InfoContext(ctx, "Alert notification",
		append([]any{"level", alert.Level, "message", alert.Message}, alert.logAttrs()...)...)
	return nil
}
