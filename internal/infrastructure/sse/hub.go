package sse

import (
	"sync"

	"github.com/mission-sync/mission-sync/internal/domain/mission"
)

// Hub fans mission events out to SSE subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*mission.Subscriber
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*mission.Subscriber),
	}
}

func (h *Hub) Register(sub *mission.Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub.SubscriberID] = sub
}

func (h *Hub) Unregister(subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subscribers[subscriberID]; ok {
		s.Close()
		delete(h.subscribers, subscriberID)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish delivers evt to every interested subscriber. Slow subscribers miss
// events rather than block the handshake.
func (h *Hub) Publish(evt *mission.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subscribers {
		if s.Wants(evt) {
			trySend(s, evt)
		}
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subscribers {
		s.Close()
		delete(h.subscribers, id)
	}
}

func trySend(s *mission.Subscriber, evt *mission.Event) bool {
	select {
	case s.MessageChan <- evt:
		return true
	default:
		return false
	}
}
