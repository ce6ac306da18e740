//go:build integration
// +build integration

package rabbitmq

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meshbbs/meshsched/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func integrationURL(t *testing.T) string {
	url := os.Getenv("MESHSCHED_TEST_AMQP_URL")
	if url == "" {
		t.Skip("MESHSCHED_TEST_AMQP_URL not set")
	}
	return url
}

// TestTransportIntegration plays the radio bridge: it consumes the frame
// queue and answers each direct frame with an acknowledgment.
func TestTransportIntegration(t *testing.T) {
	url := integrationURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	suffix := uuid.New().String()[:8]
	opts := DefaultTransportOptions()
	opts.Exchange += "." + suffix
	opts.FrameQueue += "." + suffix
	opts.AckQueue += "." + suffix

	transport, err := Dial(ctx, url, opts)
	require.NoError(t, err)
	defer transport.Close()

	acks := make(chan messaging.AckToken, 1)
	transport.SetAckHandler(func(token messaging.AckToken) { acks <- token })

	bridgeConn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer bridgeConn.Close()
	bridge, err := bridgeConn.Channel()
	require.NoError(t, err)

	frames, err := bridge.Consume(opts.FrameQueue, "bridge", true, false, false, false, nil)
	require.NoError(t, err)

	token, err := transport.Send(ctx, 0x0badcafe, 1, []byte("hello mesh"))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	select {
	case frame := <-frames:
		assert.Equal(t, []byte("hello mesh"), frame.Body)
		assert.Equal(t, int64(0x0badcafe), frame.Headers[HeaderDestination])
		require.NoError(t, bridge.PublishWithContext(ctx, opts.Exchange, opts.AckRoutingKey, false, false,
			amqp.Publishing{CorrelationId: frame.CorrelationId}))
	case <-ctx.Done():
		t.Fatal("frame not received by bridge")
	}

	select {
	case got := <-acks:
		assert.Equal(t, token, got)
	case <-ctx.Done():
		t.Fatal("acknowledgment not relayed")
	}
}
