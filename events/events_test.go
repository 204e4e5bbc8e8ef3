package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_Publish(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	alice := bus.Subscribe("alice")
	defer alice.Close()
	bob := bus.Subscribe("bob")
	defer bob.Close()

	bus.Publish("alice", Event{Kind: KindBalance, Data: 1000})

	select {
	case event := <-alice.C:
		assert.Equal(t, KindBalance, event.Kind)
		assert.Equal(t, 1000, event.Data)
	default:
		t.Fatal("alice got no event")
	}

	select {
	case event := <-bob.C:
		t.Fatalf("bob got an event for alice: %+v", event)
	default:
	}
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	sub := bus.Subscribe("alice")
	defer sub.Close()

	for i := 0; i < defaultBufferSize*2; i++ {
		bus.Publish("alice", Event{Kind: KindUpdate, Data: i})
	}
	assert.Len(t, sub.C, defaultBufferSize)

	first := <-sub.C
	assert.Equal(t, 0, first.Data)
}

func TestSubscription_Close(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	sub := bus.Subscribe("alice")
	require.Equal(t, 1, bus.Subscribers("alice"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers("alice"))

	_, open := <-sub.C
	assert.False(t, open)

	// publishing without subscribers is fine
	bus.Publish("alice", Event{Kind: KindBalance})
}
