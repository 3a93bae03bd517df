package events

import (
	"context"
	"sync"
)

// EventPublisher is the interface for publishing agent events.
type EventPublisher interface {
	Publish(ctx context.Context, event *AgentEvent) error
}

// EventSource delivers published events to subscribers. Channel "*" or ""
// subscribes to every channel. The returned func cancels the subscription.
type EventSource interface {
	Subscribe(channel string, fn func(*AgentEvent)) (func(), error)
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// Publish is a no-op.
func (p *NoOpPublisher) Publish(_ context.Context, _ *AgentEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *AgentEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *AgentEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, event *AgentEvent) error {
	return p.callback(ctx, event)
}

// Hub is an in-process EventPublisher and EventSource. Delivery is
// synchronous on the publishing goroutine.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]hubSub
}

type hubSub struct {
	channel string
	fn      func(*AgentEvent)
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]hubSub)}
}

// Publish delivers event to every matching subscriber.
func (h *Hub) Publish(_ context.Context, event *AgentEvent) error {
	h.mu.RLock()
	var fns []func(*AgentEvent)
	for _, s := range h.subs {
		if s.channel == "" || s.channel == "*" || s.channel == event.Channel {
			fns = append(fns, s.fn)
		}
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
	return nil
}

// Subscribe registers fn for channel.
func (h *Hub) Subscribe(channel string, fn func(*AgentEvent)) (func(), error) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = hubSub{channel: channel, fn: fn}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}, nil
}
