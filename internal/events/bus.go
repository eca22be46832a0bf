package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of event flowing over the bus.
type EventType string

const (
	EventDecision       EventType = "DECISION"
	EventScanCompleted  EventType = "SCAN_COMPLETED"
	EventPositionOpened EventType = "POSITION_OPENED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventPriceUpdate    EventType = "PRICE_UPDATE"
	EventCacheSweep     EventType = "CACHE_SWEEP"
	EventEngineStarted  EventType = "ENGINE_STARTED"
	EventEngineStopped  EventType = "ENGINE_STOPPED"
	EventError          EventType = "ERROR"
)

// Event is one published occurrence. Lifecycle events carry the typed
// object under "position"/"decision" keys so collaborators never have
// to re-derive state.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles events. Handlers run on their own goroutine per
// delivery and must not assume ordering across event types.
type Subscriber func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers event to all matching subscribers without blocking
// the publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishData is shorthand for Publish with a data map.
func (b *Bus) PublishData(eventType EventType, data map[string]interface{}) {
	b.Publish(Event{Type: eventType, Data: data})
}
