package events

import (
	"sync"

	"github.com/alimgiray/repomailer/pkg/logger"
)

const subscriberBuffer = 64

// Hub fans events out to every subscriber. Slow subscribers lose events
// instead of stalling the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers an observer. The returned func unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Close disconnects every observer
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Emit implements Emitter
func (h *Hub) Emit(event string, payload interface{}) {
	msg := Event{Name: event, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			logger.WithField("event", event).Debug("Dropping event for slow subscriber")
		}
	}
}

// Subscribers returns the number of connected observers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
