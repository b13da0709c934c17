package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/chronicle/internal/rollup"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "chronicle"
	defaultRealtimeBuffer  = 16
)

// RealtimeDispatcher fans rollup events out to every connected stream.
// Slow subscribers drop events instead of blocking the rollup loop.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan rollup.Event
	once   sync.Once
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan rollup.Event, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan rollup.Event, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		subscriber.once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements rollup.EventPublisher.
func (d *RealtimeDispatcher) Publish(event rollup.Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
