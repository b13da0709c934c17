package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/rollup"
)

func TestRealtimeDispatcherBroadcastsToAllSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	dispatcher.Publish(rollup.Event{Type: rollup.EventSummaryCreated, ID: 3, From: 301, To: 400})

	for index, stream := range []<-chan rollup.Event{first, second} {
		select {
		case received := <-stream:
			if received.Type != rollup.EventSummaryCreated || received.ID != 3 {
				t.Fatalf("subscriber %d received unexpected event %#v", index, received)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %d expected an event within deadline", index)
		}
	}
}

func TestRealtimeDispatcherIgnoresUntypedEvents(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(rollup.Event{ID: 1})

	select {
	case received := <-stream:
		t.Fatalf("did not expect untyped event, got %#v", received)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeDispatcherDropsWhenSubscriberIsSlow(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for id := int64(0); id < defaultRealtimeBuffer*4; id++ {
			dispatcher.Publish(rollup.Event{Type: rollup.EventContextCreated, ID: id})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(stream) != defaultRealtimeBuffer {
		t.Fatalf("expected buffered events to be capped at %d, got %d", defaultRealtimeBuffer, len(stream))
	}
}

func TestRealtimeDispatcherUnregistersOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.SubscriberCount())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
	if dispatcher.SubscriberCount() != 0 {
		t.Fatalf("repeated cleanup must be a no-op")
	}
}
