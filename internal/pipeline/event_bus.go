package pipeline

import (
	"sync"
)

// EventHandler receives vehicle events
type EventHandler interface {
	// OnVehicleEvent is called synchronously from the pipeline loop and must not block
	OnVehicleEvent(event VehicleEvent)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(event VehicleEvent)

// OnVehicleEvent implements EventHandler
func (f EventHandlerFunc) OnVehicleEvent(event VehicleEvent) { f(event) }

// EventBus provides pub/sub for vehicle count and exit events. Subscribers
// are called in the order they subscribed.
type EventBus struct {
	subscribers []*eventSubscription
	mu          sync.RWMutex
}

type eventSubscription struct {
	kinds   map[EventKind]bool // Empty means receive every kind
	channel chan VehicleEvent
	handler EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a handler for every event
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler EventHandler) func() {
	sub := &eventSubscription{handler: handler}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.remove(sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives events of the given kinds
// (all kinds when none are given). Events are dropped when the channel is full.
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int, kinds ...EventKind) (<-chan VehicleEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}

	ch := make(chan VehicleEvent, bufferSize)
	sub := &eventSubscription{channel: ch}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if b.remove(sub) {
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish delivers an event to all subscribers
func (b *EventBus) Publish(event VehicleEvent) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if len(sub.kinds) > 0 && !sub.kinds[event.Kind] {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnVehicleEvent(event)
		} else if sub.channel != nil {
			select {
			case sub.channel <- event:
			default:
				// Slow subscriber, skip
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
	}
	b.subscribers = nil
}

// remove drops sub and reports whether it was still subscribed. Callers hold b.mu.
func (b *EventBus) remove(sub *eventSubscription) bool {
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			return true
		}
	}
	return false
}
