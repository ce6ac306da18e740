// Package monitor observes a running scheduler without changing it.
//
// HealthMonitor samples scheduler stats on an interval, logs a summary line
// and raises alerts when the queue or the acknowledgment tracker runs hot or
// when messages are dropped. Alerts fan out to AlertHandler implementations
// such as WebhookAlertHandler or PrometheusMetrics.
//
// The package also provides the HTTP surfaces used by the daemon: a health
// Registry served by Handler, a StatsHandler, and Prometheus collectors that
// implement messaging.MetricsRecorder.
package monitor
