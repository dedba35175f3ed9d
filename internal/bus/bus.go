// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for visemesync
const (
	// Session lifecycle events
	EventTypeConnecting       EventType = "session.connecting"
	EventTypeConnected        EventType = "session.connected"
	EventTypeDisconnected     EventType = "session.disconnected"
	EventTypeListeningStarted EventType = "session.listening_started"
	EventTypeSpeakingStarted  EventType = "session.speaking_started"
	EventTypeSpeakingStopped  EventType = "session.speaking_stopped"
	EventTypeError            EventType = "session.error"

	// Avatar events
	EventTypeAvatarStateChanged   EventType = "avatar.state_changed"
	EventTypeAvatarStateRequested EventType = "avatar.state_requested"
)

// SessionEvents lists every session lifecycle event type.
var SessionEvents = []EventType{
	EventTypeConnecting,
	EventTypeConnected,
	EventTypeDisconnected,
	EventTypeListeningStarted,
	EventTypeSpeakingStarted,
	EventTypeSpeakingStopped,
	EventTypeError,
}

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// String returns the named data field, or "" when absent.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

func (b *EventBus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	handlers := make([]Handler, len(b.handlers[eventType]))
	copy(handlers, b.handlers[eventType])
	return handlers
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}
