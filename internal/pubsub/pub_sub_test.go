package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEvent EventType = iota
	otherEvent
)

func TestPubSub_DeliversTypedEvents(t *testing.T) {
	p := NewPubSub(nil)
	defer p.GracefulShutdown()

	ch := make(chan *Event[uint64], 4)
	Subscribe(p, testEvent, ch, SubscriptionOptions{})

	Publish(p, NewEvent(testEvent, uint64(7)))
	Publish(p, NewEvent(otherEvent, uint64(8)))

	select {
	case ev := <-ch:
		assert.Equal(t, testEvent, ev.Type)
		assert.Equal(t, uint64(7), ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPubSub_DropsMismatchedPayload(t *testing.T) {
	p := NewPubSub(nil)
	defer p.GracefulShutdown()

	ch := make(chan *Event[string], 1)
	Subscribe(p, testEvent, ch, SubscriptionOptions{})

	Publish(p, NewEvent(testEvent, 42))
	Publish(p, NewEvent(testEvent, "ok"))

	select {
	case ev := <-ch:
		assert.Equal(t, "ok", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPubSub_Unsubscribe(t *testing.T) {
	p := NewPubSub(nil)
	defer p.GracefulShutdown()

	ch := make(chan *Event[int], 1)
	id := Subscribe(p, testEvent, ch, SubscriptionOptions{})
	p.Unsubscribe(testEvent, id)

	_, open := <-ch
	assert.False(t, open)

	// Publishing without subscribers is fine
	Publish(p, NewEvent(testEvent, 1))
}

func TestPubSub_GracefulShutdownDrainsAndCloses(t *testing.T) {
	p := NewPubSub(nil)

	ch := make(chan *Event[int], 10)
	Subscribe(p, testEvent, ch, SubscriptionOptions{IsBlocking: true})

	for i := 0; i < 5; i++ {
		Publish(p, NewEvent(testEvent, i))
	}
	p.GracefulShutdown()

	var got []int
	for ev := range ch {
		got = append(got, ev.Payload)
	}
	require.Len(t, got, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)

	// Idempotent, and publishing afterwards is dropped
	p.GracefulShutdown()
	Publish(p, NewEvent(testEvent, 99))
}
