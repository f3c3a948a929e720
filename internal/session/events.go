package session

import (
	"sync"
)

// EventType represents the type of event
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventMessage
	EventPresence
	EventError
)

// EventMsg represents an event from the session layer
type EventMsg struct {
	Type EventType
	Data interface{}
}

// PresenceUpdate is the payload of EventPresence.
type PresenceUpdate struct {
	JID   string
	State string
}

// EventHandler is a function that handles events
type EventHandler func(event EventMsg)

// EventBus handles event subscription and publishing
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe subscribes to an event type
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish publishes an event to all subscribers
func (b *EventBus) Publish(event EventMsg) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]EventHandler)
}
