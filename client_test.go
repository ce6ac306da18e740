package meshsched

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/meshbbs/meshsched/contracts"
	"github.com/meshbbs/meshsched/internal/reliability"
	"github.com/meshbbs/meshsched/messaging"
	"github.com/meshbbs/meshsched/monitor"
	"github.com/meshbbs/meshsched/transports/loopback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() messaging.SchedulerConfig {
	cfg := messaging.DefaultSchedulerConfig()
	cfg.MinSendGap = time.Millisecond
	cfg.TickInterval = 5 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

// startClient runs c until the test ends and returns a function that stops
// it and waits for Run to return
func startClient(t *testing.T, c *Client) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("client did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

type recordingListener struct {
	mu        sync.Mutex
	delivered []string
	failed    map[string]error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{failed: make(map[string]error)}
}

func (l *recordingListener) OnDelivered(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered = append(l.delivered, id)
}

func (l *recordingListener) OnFailed(id string, reason error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed[id] = reason
}

func (l *recordingListener) deliveredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.delivered)
}

func (l *recordingListener) failure(id string) (error, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	err, ok := l.failed[id]
	return err, ok
}

func TestNewClientRequiresTransport(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxQueue = 0

	_, err := NewClientWithOptions(loopback.New(), WithSchedulerConfig(cfg))
	assert.ErrorContains(t, err, "max queue")
}

func TestClientDeliversDirectMessage(t *testing.T) {
	transport := loopback.New(loopback.WithAckDelay(10 * time.Millisecond))
	listener := newRecordingListener()

	client, err := NewClientWithOptions(transport,
		WithSchedulerConfig(fastConfig()),
		WithDeliveryListener(listener))
	require.NoError(t, err)
	defer client.Close()
	startClient(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := client.Direct(ctx, 0x1234, []byte("hello"), contracts.PriorityNormal)
	require.NoError(t, err)

	outcome, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, outcome.Delivered)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, handle.ID, outcome.MessageID)

	assert.Eventually(t, func() bool {
		return listener.deliveredCount() == 1
	}, time.Second, 5*time.Millisecond)

	stats := client.Stats()
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.PendingCount)
	assert.Equal(t, uint64(1), stats.DispatchedTotal)

	frames := transport.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, contracts.NodeID(0x1234), frames[0].Destination)
}

func TestClientBroadcastDeliveredOnWrite(t *testing.T) {
	transport := loopback.New()
	client, err := NewClientWithOptions(transport, WithSchedulerConfig(fastConfig()))
	require.NoError(t, err)
	defer client.Close()
	startClient(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := client.Broadcast(ctx, []byte("net check-in"), contracts.PriorityLow, messaging.WithChannel(2))
	require.NoError(t, err)

	outcome, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, outcome.Delivered)

	frames := transport.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, contracts.BroadcastNode, frames[0].Destination)
	assert.Equal(t, uint32(2), frames[0].Channel)
	assert.Equal(t, 0, client.Stats().PendingCount)
}

func TestClientRejectsOversizedPayload(t *testing.T) {
	client, err := NewClientWithOptions(loopback.New(), WithSchedulerConfig(fastConfig()))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Direct(context.Background(), 0x1234, make([]byte, 231), contracts.PriorityHigh)
	assert.ErrorIs(t, err, contracts.ErrPayloadTooLarge)
	assert.Equal(t, uint64(1), client.Stats().RejectedTotal)
}

func TestClientManualAcknowledge(t *testing.T) {
	var mu sync.Mutex
	var tokens []messaging.AckToken
	transport := messaging.TransportFunc(func(ctx context.Context, dest contracts.NodeID, channel uint32, payload []byte) (messaging.AckToken, error) {
		mu.Lock()
		defer mu.Unlock()
		token := messaging.AckToken("radio-1")
		tokens = append(tokens, token)
		return token, nil
	})

	client, err := NewClientWithOptions(transport, WithSchedulerConfig(fastConfig()))
	require.NoError(t, err)
	defer client.Close()
	startClient(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := client.Direct(ctx, 0x99, []byte("ping"), contracts.PriorityNormal)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return client.Stats().PendingCount == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Acknowledge("radio-1"))

	outcome, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, outcome.Delivered)
}

func TestClientFailsOutstandingOnShutdown(t *testing.T) {
	transport := loopback.New(loopback.WithDropRate(1), loopback.WithSeed(7))
	listener := newRecordingListener()

	client, err := NewClientWithOptions(transport,
		WithSchedulerConfig(fastConfig()),
		WithDeliveryListener(listener))
	require.NoError(t, err)
	defer client.Close()
	stop := startClient(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := client.Direct(ctx, 0x55, []byte("lost"), contracts.PriorityCritical)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return client.Stats().PendingCount == 1
	}, time.Second, 5*time.Millisecond)

	stop()

	outcome, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, outcome.Delivered)
	assert.ErrorIs(t, outcome.Err, contracts.ErrSchedulerClosed)

	assert.Eventually(t, func() bool {
		_, ok := listener.failure(handle.ID)
		return ok
	}, time.Second, 5*time.Millisecond)
	reason, _ := listener.failure(handle.ID)
	assert.ErrorIs(t, reason, contracts.ErrSchedulerClosed)

	records, err := client.Failures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, handle.ID, records[0].MessageID)

	_, err = client.Direct(ctx, 0x55, []byte("late"), contracts.PriorityNormal)
	assert.ErrorIs(t, err, contracts.ErrSchedulerClosed)
}

func TestClientUsesProvidedFailureStore(t *testing.T) {
	store := reliability.NewInMemoryFailureStore(10)
	client, err := NewClientWithOptions(loopback.New(),
		WithSchedulerConfig(fastConfig()),
		WithFailureStore(store))
	require.NoError(t, err)

	require.NoError(t, client.Close())

	// the caller still owns the store
	require.NoError(t, store.Store(context.Background(), &reliability.FailureRecord{ID: "x", FailedAt: time.Now()}))
}

func TestClientHTTPHandlers(t *testing.T) {
	client, err := NewClientWithOptions(loopback.New(), WithSchedulerConfig(fastConfig()))
	require.NoError(t, err)
	defer client.Close()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		client.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var report monitor.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, monitor.StatusHealthy, report.Status)

		names := make([]string, 0, len(report.Checks))
		for _, c := range report.Checks {
			names = append(names, c.Name)
		}
		assert.ElementsMatch(t, []string{"scheduler", "runtime", "failure_store"}, names)
	})

	t.Run("stats", func(t *testing.T) {
		rec := httptest.NewRecorder()
		client.StatsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp monitor.StatsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 512, resp.Stats.Capacity)
	})
}
