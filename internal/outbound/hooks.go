package outbound

import (
	"context"
	"sync"
	"time"
)

// MessageSent describes one completed logical delivery for hooks.
type MessageSent struct {
	Channel    string
	AccountID  string
	To         string
	SessionKey string
	MessageIDs []string
	Text       string
	MediaURLs  []string
	SentAt     time.Time
}

// MessageSentHook observes completed deliveries. Hook failures are
// best-effort: logged and never propagated to the delivery result.
type MessageSentHook func(ctx context.Context, evt MessageSent) error

// Hooks is a per-channel registry of message-sent hooks.
type Hooks struct {
	mu        sync.RWMutex
	byChannel map[string][]MessageSentHook
}

// NewHooks creates an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{byChannel: make(map[string][]MessageSentHook)}
}

// Register adds a hook for a channel.
func (h *Hooks) Register(channel string, hook MessageSentHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byChannel[channel] = append(h.byChannel[channel], hook)
}

// HasHooks reports whether any hook is registered for channel.
func (h *Hooks) HasHooks(channel string) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byChannel[channel]) > 0
}

// RunMessageSent fires every hook registered for the event's channel.
func (h *Hooks) RunMessageSent(ctx context.Context, evt MessageSent) {
	if h == nil {
		return
	}
	h.mu.RLock()
	hooks := h.byChannel[evt.Channel]
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook := hook
		bestEffort("message-sent hook", func() error {
			return hook(ctx, evt)
		})
	}
}
