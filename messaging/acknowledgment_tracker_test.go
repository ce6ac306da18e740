package messaging

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshbbs/meshsched/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(mock *clock.Mock, maxPending int, maxAge time.Duration) *AcknowledgmentTracker {
	return NewAcknowledgmentTracker(&AcknowledgmentTrackerOptions{
		MaxPending: maxPending,
		MaxAge:     maxAge,
		Clock:      mock,
	})
}

func directMessage(dest contracts.NodeID) *contracts.OutgoingMessage {
	return contracts.NewOutgoingMessage(dest, []byte("ping"), contracts.PriorityNormal, contracts.KindDirect)
}

func TestNewAcknowledgmentTracker(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		tracker := NewAcknowledgmentTracker(nil)
		assert.Equal(t, 100, tracker.Max())
		assert.Equal(t, 600*time.Second, tracker.maxAge)
		assert.Zero(t, tracker.Len())
	})
}

func TestAcknowledgmentTrackerRecordAndAck(t *testing.T) {
	mock := clock.NewMock()

	t.Run("acknowledge by message ID", func(t *testing.T) {
		tracker := newTestTracker(mock, 10, time.Minute)
		msg := directMessage(0x10)
		msg.Attempts = 2

		evicted := tracker.RecordSent(msg, "tok-1")
		assert.Empty(t, evicted)
		assert.Equal(t, 1, tracker.Len())

		p, ok := tracker.Acknowledge(msg.ID)
		require.True(t, ok)
		assert.Equal(t, msg.ID, p.MessageID)
		assert.Equal(t, contracts.NodeID(0x10), p.Destination)
		assert.Equal(t, 2, p.RetryCount)
		assert.Equal(t, mock.Now(), p.SentAt)
		assert.Zero(t, tracker.Len())
		assert.True(t, tracker.Settled(msg.ID))
	})

	t.Run("acknowledge by token", func(t *testing.T) {
		tracker := newTestTracker(mock, 10, time.Minute)
		msg := directMessage(0x11)
		tracker.RecordSent(msg, "tok-2")

		p, ok := tracker.AcknowledgeToken("tok-2")
		require.True(t, ok)
		assert.Equal(t, msg.ID, p.MessageID)

		_, ok = tracker.AcknowledgeToken("tok-2")
		assert.False(t, ok, "token is consumed")
	})

	t.Run("unknown IDs are a no-op", func(t *testing.T) {
		tracker := newTestTracker(mock, 10, time.Minute)
		tracker.RecordSent(directMessage(0x12), "")

		_, ok := tracker.Acknowledge("nope")
		assert.False(t, ok)
		assert.Equal(t, 1, tracker.Len())
		assert.False(t, tracker.Settled("nope"))
	})

	t.Run("late acknowledgment after expiry is ignored", func(t *testing.T) {
		tracker := newTestTracker(mock, 10, time.Minute)
		msg := directMessage(0x13)
		tracker.RecordSent(msg, "tok-late")

		mock.Add(2 * time.Minute)
		res := tracker.Cleanup()
		require.Len(t, res.Expired, 1)

		_, ok := tracker.AcknowledgeToken("tok-late")
		assert.False(t, ok)
		_, ok = tracker.Acknowledge(msg.ID)
		assert.False(t, ok)
		assert.True(t, tracker.Settled(msg.ID))
	})

	t.Run("re-recording a message replaces its entry", func(t *testing.T) {
		tracker := newTestTracker(mock, 10, time.Minute)
		msg := directMessage(0x14)
		tracker.RecordSent(msg, "old")
		tracker.RecordSent(msg, "new")

		assert.Equal(t, 1, tracker.Len())
		_, ok := tracker.AcknowledgeToken("old")
		assert.False(t, ok)
		_, ok = tracker.AcknowledgeToken("new")
		assert.True(t, ok)
	})
}

func TestAcknowledgmentTrackerBound(t *testing.T) {
	t.Run("record sent evicts oldest when full", func(t *testing.T) {
		mock := clock.NewMock()
		tracker := newTestTracker(mock, 3, time.Hour)

		var msgs []*contracts.OutgoingMessage
		for i := 0; i < 3; i++ {
			msg := directMessage(contracts.NodeID(i + 1))
			msgs = append(msgs, msg)
			tracker.RecordSent(msg, AckToken(fmt.Sprintf("t%d", i)))
			mock.Add(time.Second)
		}

		evicted := tracker.RecordSent(directMessage(0x99), "t99")
		require.Len(t, evicted, 1)
		assert.Equal(t, msgs[0].ID, evicted[0].MessageID)
		assert.Equal(t, 3, tracker.Len())
	})

	t.Run("size never exceeds max", func(t *testing.T) {
		mock := clock.NewMock()
		tracker := newTestTracker(mock, 100, time.Hour)

		for i := 0; i < 250; i++ {
			tracker.RecordSent(directMessage(contracts.NodeID(i+1)), AckToken(fmt.Sprintf("t%d", i)))
			assert.LessOrEqual(t, tracker.Len(), 100)
		}
		tracker.Cleanup()
		assert.LessOrEqual(t, tracker.Len(), 100)
	})
}

func TestAcknowledgmentTrackerCleanup(t *testing.T) {
	t.Run("removes entries older than max age", func(t *testing.T) {
		mock := clock.NewMock()
		tracker := newTestTracker(mock, 100, 600*time.Second)

		old := directMessage(0x01)
		tracker.RecordSent(old, "old")
		mock.Add(500 * time.Second)
		fresh := directMessage(0x02)
		tracker.RecordSent(fresh, "fresh")
		mock.Add(101 * time.Second)

		res := tracker.Cleanup()
		require.Len(t, res.Expired, 1)
		assert.Equal(t, old.ID, res.Expired[0].MessageID)
		assert.Same(t, old, res.Expired[0].Message)
		assert.Empty(t, res.Evicted)
		assert.Equal(t, 1, res.Removed())
		assert.Equal(t, 1, tracker.Len())

		second := tracker.Cleanup()
		assert.Zero(t, second.Removed(), "an expired entry is reported once")
	})

	t.Run("entry exactly at max age is kept", func(t *testing.T) {
		mock := clock.NewMock()
		tracker := newTestTracker(mock, 100, time.Minute)
		tracker.RecordSent(directMessage(0x01), "a")
		mock.Add(time.Minute)

		assert.Zero(t, tracker.Cleanup().Removed())
	})

	t.Run("expired entries come back oldest first", func(t *testing.T) {
		mock := clock.NewMock()
		tracker := newTestTracker(mock, 100, time.Minute)

		var ids []string
		for i := 0; i < 5; i++ {
			msg := directMessage(contracts.NodeID(i + 1))
			ids = append(ids, msg.ID)
			tracker.RecordSent(msg, "")
		}
		mock.Add(2 * time.Minute)

		res := tracker.Cleanup()
		require.Len(t, res.Expired, 5)
		for i, p := range res.Expired {
			assert.Equal(t, ids[i], p.MessageID)
		}
	})
}

func TestAcknowledgmentTrackerDrain(t *testing.T) {
	mock := clock.NewMock()
	tracker := newTestTracker(mock, 10, time.Minute)

	a := directMessage(0x01)
	b := directMessage(0x02)
	tracker.RecordSent(a, "a")
	tracker.RecordSent(b, "b")

	drained := tracker.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, a.ID, drained[0].MessageID)
	assert.Equal(t, b.ID, drained[1].MessageID)
	assert.Zero(t, tracker.Len())

	_, ok := tracker.AcknowledgeToken("a")
	assert.False(t, ok)
}
