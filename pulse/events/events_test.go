package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(Event{Kind: Claimed, OccurrenceID: "o1", JobName: "digest"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, Claimed, e.Kind)
			assert.Equal(t, "o1", e.OccurrenceID)
			assert.False(t, e.At.IsZero(), "timestamp filled in")
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)

	bus.Publish(Event{Kind: Succeeded})
	bus.Publish(Event{Kind: Failed})
	bus.Publish(Event{Kind: Released})

	assert.Equal(t, int64(2), bus.Dropped())
	assert.Equal(t, Succeeded, (<-ch).Kind)
}

func TestUnsubscribeCloses(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	bus.Publish(Event{Kind: Claimed})
	assert.Zero(t, bus.Dropped())
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(0)
	bus.Close()
	bus.Close()

	_, open := <-ch
	require.False(t, open)

	late := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
	bus.Publish(Event{Kind: Claimed})
}

func TestNilBusDiscards(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Event{Kind: Claimed}) })
	assert.Zero(t, bus.Dropped())
}
