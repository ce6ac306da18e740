package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/meshbbs/meshsched/contracts"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// PrometheusMetrics records scheduler events as Prometheus collectors.
// It satisfies messaging.MetricsRecorder and AlertHandler.
type PrometheusMetrics struct {
	submitted  *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	sent       *prometheus.CounterVec
	writeTime  *prometheus.HistogramVec
	sendFailed *prometheus.CounterVec
	delivered  *prometheus.CounterVec
	ackLatency *prometheus.HistogramVec
	failed     *prometheus.CounterVec
	retries    *prometheus.CounterVec
	expired    prometheus.Counter
	evicted    prometheus.Counter
	promoted   prometheus.Counter
	alerts     *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_submitted_total",
			Help:      "Messages accepted into the send queue.",
		}, []string{"priority", "kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Submissions refused before queueing.",
		}, []string{"priority", "code"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Radio writes that completed.",
		}, []string{"kind"}),
		writeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "Time spent in a single radio write.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"kind"}),
		sendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Radio writes that returned an error.",
		}, []string{"kind", "code"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages that reached the delivered state.",
		}, []string{"priority"}),
		ackLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from write to acknowledgment.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"priority"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages that reached the failed state.",
		}, []string{"priority", "code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled, by attempt number.",
		}, []string{"attempt"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_expired_total",
			Help:      "Pending acknowledgments removed by age.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_evicted_total",
			Help:      "Pending acknowledgments removed to respect the size bound.",
		}),
		promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Queued messages promoted by aging.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by the health monitor.",
		}, []string{"kind", "level"}),
	}

	collectors := []prometheus.Collector{
		m.submitted, m.rejected, m.sent, m.writeTime, m.sendFailed,
		m.delivered, m.ackLatency, m.failed, m.retries,
		m.expired, m.evicted, m.promoted, m.alerts,
	}
	var err error
	for _, c := range collectors {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PrometheusMetrics) MessageSubmitted(priority contracts.Priority, kind contracts.Kind) {
	m.submitted.WithLabelValues(priority.String(), kind.String()).Inc()
}

func (m *PrometheusMetrics) MessageRejected(priority contracts.Priority, code string) {
	m.rejected.WithLabelValues(priority.String(), code).Inc()
}

func (m *PrometheusMetrics) MessageSent(kind contracts.Kind, writeDuration time.Duration) {
	m.sent.WithLabelValues(kind.String()).Inc()
	m.writeTime.WithLabelValues(kind.String()).Observe(writeDuration.Seconds())
}

func (m *PrometheusMetrics) SendFailed(kind contracts.Kind, code string) {
	m.sendFailed.WithLabelValues(kind.String(), code).Inc()
}

func (m *PrometheusMetrics) MessageDelivered(priority contracts.Priority, ackLatency time.Duration) {
	m.delivered.WithLabelValues(priority.String()).Inc()
	m.ackLatency.WithLabelValues(priority.String()).Observe(ackLatency.Seconds())
}

func (m *PrometheusMetrics) MessageFailed(priority contracts.Priority, code string) {
	m.failed.WithLabelValues(priority.String(), code).Inc()
}

func (m *PrometheusMetrics) RetryScheduled(attempt int) {
	m.retries.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (m *PrometheusMetrics) AckExpired(count int) {
	m.expired.Add(float64(count))
}

func (m *PrometheusMetrics) PendingEvicted(count int) {
	m.evicted.Add(float64(count))
}

func (m *PrometheusMetrics) Promoted(count int) {
	m.promoted.Add(float64(count))
}

// HandleAlert counts the alert by kind and level
func (m *PrometheusMetrics) HandleAlert(_ context.Context, alert *Alert) error {
	m.alerts.WithLabelValues(alert.Kind, string(alert.Level)).Inc()
	return nil
}

// Name implements AlertHandler
func (m *PrometheusMetrics) Name() string {
	return "prometheus"
}

// RegisterStatsGauges exposes live scheduler counters read from source at
// scrape time.
func RegisterStatsGauges(reg prometheus.Registerer, namespace string, source StatsSource) error {
	gauge := func(name, help string, fn func(contracts.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(source.Stats()) })
	}
	counter := func(name, help string, fn func(contracts.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(source.Stats()) })
	}

	collectors := []prometheus.Collector{
		gauge("queue_depth", "Messages waiting to be sent.",
			func(s contracts.Stats) float64 { return float64(s.Queued) }),
		gauge("queue_capacity", "Maximum queue depth.",
			func(s contracts.Stats) float64 { return float64(s.Capacity) }),
		gauge("pending_acks", "Direct messages awaiting acknowledgment.",
			func(s contracts.Stats) float64 { return float64(s.PendingCount) }),
		gauge("pending_acks_max", "Maximum tracked pending acknowledgments.",
			func(s contracts.Stats) float64 { return float64(s.MaxPending) }),
		gauge("in_flight", "1 while a radio write is in progress.",
			func(s contracts.Stats) float64 {
				if s.InFlight {
					return 1
				}
				return 0
			}),
		counter("queue_dropped_total", "Messages evicted from a full queue.",
			func(s contracts.Stats) float64 { return float64(s.DroppedTotal) }),
		counter("dispatched_total", "Messages handed to the radio.",
			func(s contracts.Stats) float64 { return float64(s.DispatchedTotal) }),
	}

	var err error
	for _, c := range collectors {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}
