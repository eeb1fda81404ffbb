package eventbus

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipster6/adaptive-routing-engine/internal/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPublishDelivers(t *testing.T) {
	b := NewBus(Config{BufferSize: 4}, testLogger())
	defer b.Close()

	ch := b.Subscribe("test")
	b.Publish(types.Event{Type: types.EventRoutingDecision, Service: "payments"})

	select {
	case ev := <-ch:
		assert.Equal(t, types.EventRoutingDecision, ev.Type)
		assert.Equal(t, "payments", ev.Service)
		assert.NotEmpty(t, ev.ID, "bus must fill a missing event ID")
		assert.False(t, ev.Timestamp.IsZero(), "bus must fill a missing timestamp")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocksDropsOldest(t *testing.T) {
	b := NewBus(Config{BufferSize: 2}, testLogger())
	defer b.Close()

	ch := b.Subscribe("slow")

	// Nobody drains the channel; publishes beyond capacity must not block
	for i := 0; i < 5; i++ {
		b.Publish(types.Event{Type: types.EventRoutingDecision, Message: string(rune('a' + i))})
	}

	published, dropped := b.Stats()
	assert.Equal(t, int64(5), published)
	assert.Equal(t, int64(3), dropped)

	// The queue holds the newest events, oldest were discarded
	first := <-ch
	assert.Equal(t, "d", first.Message)
	second := <-ch
	assert.Equal(t, "e", second.Message)
}

func TestSubscribeSameNameReturnsSameChannel(t *testing.T) {
	b := NewBus(DefaultConfig(), testLogger())
	defer b.Close()

	ch1 := b.Subscribe("dup")
	ch2 := b.Subscribe("dup")
	assert.Equal(t, ch1, ch2)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(DefaultConfig(), testLogger())
	defer b.Close()

	ch := b.Subscribe("gone")
	b.Unsubscribe("gone")

	_, open := <-ch
	assert.False(t, open, "channel must be closed on unsubscribe")

	// Publishing afterwards must not panic
	b.Publish(types.Event{Type: types.EventBudgetAlert})
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := NewBus(DefaultConfig(), testLogger())

	ch := b.Subscribe("sub")
	b.Close()
	b.Close()

	_, open := <-ch
	require.False(t, open)

	b.Publish(types.Event{Type: types.EventBudgetAlert})
	published, _ := b.Stats()
	assert.Equal(t, int64(0), published, "publish after close must be a no-op")
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := NewBus(Config{BufferSize: 4}, testLogger())
	defer b.Close()

	a := b.Subscribe("a")
	c := b.Subscribe("c")

	b.Publish(types.Event{Type: types.EventCircuitTransition, NodeID: "n1"})

	for _, ch := range []<-chan types.Event{a, c} {
		select {
		case ev := <-ch:
			assert.Equal(t, "n1", ev.NodeID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
