// Package events is the in-process status bus shared by the hub and the device
// coordinator. Dashboards and the hub SSE stream subscribe to it.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names a status emission point.
type Type string

const (
	Initialized     Type = "initialized"
	Online          Type = "online"
	Offline         Type = "offline"
	HubConnected    Type = "hub_connected"
	HubDisconnected Type = "hub_disconnected"
	SyncStart       Type = "sync_start"
	SyncProgress    Type = "sync_progress"
	SyncComplete    Type = "sync_complete"
	SyncError       Type = "sync_error"
	DevicesChanged  Type = "devices_changed"
	OrderRelayed    Type = "order_relayed"
	OrderReceived   Type = "order_received"
	CloudFlushed    Type = "cloud_flushed"
)

// Event is one published status change. Data is JSON-serializable.
type Event struct {
	Type      Type      `json:"type"`
	Source    string    `json:"source,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultBufferSize = 32

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	types  map[Type]struct{}
	stream chan Event
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers for the listed event types, or all types when none are
// given. The subscription ends when ctx is done or the returned cleanup runs.
func (b *Bus) Subscribe(ctx context.Context, types ...Type) (<-chan Event, func()) {
	sub := &subscriber{
		stream: make(chan Event, b.bufferSize),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, eventType := range types {
			sub.types[eventType] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub.id)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every matching subscriber.
func (b *Bus) Publish(event Event) {
	if b == nil || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock().UTC()
	}
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// Emit is shorthand for publishing an event with data from source.
func (b *Bus) Emit(eventType Type, source string, data any) {
	b.Publish(Event{Type: eventType, Source: source, Data: data})
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
