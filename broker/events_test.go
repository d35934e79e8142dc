package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	t.Run("publish fans out to every subscriber", func(t *testing.T) {
		bus := newEventBus(nil)
		a, _ := bus.subscribe(1)
		b, _ := bus.subscribe(1)

		bus.publish(Event{Kind: EventConnected})

		evtA := <-a
		evtB := <-b
		assert.Equal(t, EventConnected, evtA.Kind)
		assert.Equal(t, EventConnected, evtB.Kind)
		assert.False(t, evtA.Timestamp.IsZero())
	})

	t.Run("slow subscribers lose events instead of blocking", func(t *testing.T) {
		var dropped []Event
		bus := newEventBus(func(evt Event) { dropped = append(dropped, evt) })
		events, _ := bus.subscribe(1)

		bus.publish(Event{Kind: EventDisconnected})
		bus.publish(Event{Kind: EventReconnecting, Attempt: 1})

		require.Len(t, dropped, 1)
		assert.Equal(t, EventReconnecting, dropped[0].Kind)
		assert.Equal(t, EventDisconnected, (<-events).Kind)
	})

	t.Run("unsubscribe closes the stream once", func(t *testing.T) {
		bus := newEventBus(nil)
		events, unsubscribe := bus.subscribe(0)

		unsubscribe()
		unsubscribe()

		_, open := <-events
		assert.False(t, open)

		bus.publish(Event{Kind: EventConnected})
		bus.close()
	})

	t.Run("close ends every subscription", func(t *testing.T) {
		bus := newEventBus(nil)
		events, unsubscribe := bus.subscribe(1)

		bus.close()
		unsubscribe()

		select {
		case _, open := <-events:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("subscription not closed")
		}
	})
}

func TestEvent(t *testing.T) {
	assert.True(t, Event{Kind: EventChannelClosed, Err: errors.New("boom")}.IsFault())
	assert.False(t, Event{Kind: EventConnected}.IsFault())

	assert.Equal(t, "connected", EventConnected.String())
	assert.Equal(t, "reconnect_failed", EventReconnectFailed.String())
	assert.Equal(t, "channel_closed", EventChannelClosed.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}
