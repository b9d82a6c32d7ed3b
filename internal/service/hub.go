package service

import (
	"sync"

	"github.com/and161185/chatsync/internal/event"
)

const defaultSubscriberBuffer = 256

// Hub fans stored events out to live subscribers of each chat. Publishing never blocks:
// a subscriber whose buffer is full is dropped and its channel closed.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
	buf  int
}

// NewHub creates a hub with the given per-subscriber buffer (default 256).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buf: buffer}
}

// Subscription receives events of one chat until closed.
type Subscription struct {
	C <-chan event.Event

	ch     chan event.Event
	chatID string
	hub    *Hub
	lagged bool
}

// Subscribe registers a new subscription for chatID.
func (h *Hub) Subscribe(chatID string) *Subscription {
	ch := make(chan event.Event, h.buf)
	s := &Subscription{C: ch, ch: ch, chatID: chatID, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[chatID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[chatID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber of its chat.
func (h *Hub) Publish(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[ev.ChatID] {
		select {
		case s.ch <- ev:
		default:
			s.lagged = true
			h.removeLocked(s)
		}
	}
}

// Count returns the number of live subscriptions for chatID.
func (h *Hub) Count(chatID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[chatID])
}

func (h *Hub) removeLocked(s *Subscription) {
	set := h.subs[s.chatID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.chatID)
	}
	close(s.ch)
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Lagged reports whether the hub dropped the subscription for falling behind.
func (s *Subscription) Lagged() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.lagged
}
