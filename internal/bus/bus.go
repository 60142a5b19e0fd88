// Package bus is the in-process event fan-out for delivery lifecycle events.
// Subscribers receive events synchronously on the publisher's goroutine;
// handlers must be fast and never block on the publisher.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event names published by the delivery core.
const (
	EventMessageSent   = "message.sent"
	EventMessageFailed = "message.failed"
	EventConfigReload  = "config.reload"
)

// Event is one broadcast notification.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// MessageSentPayload describes a completed outbound delivery.
type MessageSentPayload struct {
	Channel    string    `json:"channel"`
	AccountID  string    `json:"accountId"`
	To         string    `json:"to"`
	SessionKey string    `json:"sessionKey,omitempty"`
	MessageIDs []string  `json:"messageIds,omitempty"`
	Chunks     int       `json:"chunks"`
	SentAt     time.Time `json:"sentAt"`
}

// MessageFailedPayload describes a delivery that did not complete.
type MessageFailedPayload struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
	To        string `json:"to"`
	Step      string `json:"step"`
	Error     string `json:"error"`
}

// ConfigReloadPayload announces a successful config hot-reload.
type ConfigReloadPayload struct {
	Path     string `json:"path"`
	Bindings int    `json:"bindings"`
}

// EventHandler receives broadcast events.
type EventHandler func(Event)

// Publisher abstracts event broadcast + subscription so the dispatcher can
// be tested against a stub.
type Publisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the default in-process Publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates an event bus with no subscribers.
func New() *Bus {
	return &Bus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a handler.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every subscriber. A panicking handler is
// logged and does not take down the publisher or the other subscribers.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
