package meshsched

import (
	"context"
	"testing"
	"time"

	"github.com/meshbbs/meshsched/contracts"
	"github.com/meshbbs/meshsched/transports/loopback"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue sums every series of the named family whose labels include
// the given pairs
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			for k, v := range labels {
				matched := false
				for _, pair := range m.GetLabel() {
					if pair.GetName() == k && pair.GetValue() == v {
						matched = true
					}
				}
				if !matched {
					continue metrics
				}
			}
			switch {
			case m.Counter != nil:
				total += m.GetCounter().GetValue()
			case m.Gauge != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func TestMetricsIntegration(t *testing.T) {
	t.Run("scheduler events reach prometheus", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		client, err := NewClientWithOptions(loopback.New(loopback.WithAckDelay(5*time.Millisecond)),
			WithSchedulerConfig(fastConfig()),
			WithPrometheus(reg, "meshsched"))
		require.NoError(t, err)
		defer client.Close()
		startClient(t, client)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		direct, err := client.Direct(ctx, 0x10, []byte("dm"), contracts.PriorityHigh)
		require.NoError(t, err)
		broadcast, err := client.Broadcast(ctx, []byte("all"), contracts.PriorityLow)
		require.NoError(t, err)
		_, err = client.Direct(ctx, 0x10, make([]byte, 500), contracts.PriorityNormal)
		require.Error(t, err)

		for _, h := range []interface {
			Done() <-chan struct{}
		}{direct, broadcast} {
			select {
			case <-h.Done():
			case <-ctx.Done():
				t.Fatal("message did not finish")
			}
		}

		assert.Equal(t, 1.0, counterValue(t, reg, "meshsched_messages_submitted_total", map[string]string{"kind": "direct"}))
		assert.Equal(t, 1.0, counterValue(t, reg, "meshsched_messages_submitted_total", map[string]string{"kind": "broadcast"}))
		assert.Equal(t, 1.0, counterValue(t, reg, "meshsched_messages_rejected_total", map[string]string{"priority": "normal"}))
		assert.Equal(t, 2.0, counterValue(t, reg, "meshsched_messages_sent_total", nil))
		assert.Equal(t, 1.0, counterValue(t, reg, "meshsched_messages_delivered_total", map[string]string{"priority": "high"}))
		assert.Equal(t, 2.0, counterValue(t, reg, "meshsched_dispatched_total", nil))
		assert.Equal(t, 512.0, counterValue(t, reg, "meshsched_queue_capacity", nil))
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		first, err := NewClientWithOptions(loopback.New(), WithPrometheus(reg, "dup"))
		require.NoError(t, err)
		defer first.Close()

		_, err = NewClientWithOptions(loopback.New(), WithPrometheus(reg, "dup"))
		assert.Error(t, err)
	})
}
