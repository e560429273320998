package realtime

import (
	"context"
	"strings"
	"sync"
)

// Hub fans pushes out to the handlers subscribed to a booking.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[string]map[uint64]Handler)}
}

// Subscribe registers handler for bookingID.
func (h *Hub) Subscribe(bookingID string, handler Handler) func() {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" || handler == nil {
		return func() {}
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.handlers[bookingID] == nil {
		h.handlers[bookingID] = make(map[uint64]Handler)
	}
	h.handlers[bookingID][id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.handlers[bookingID], id)
			if len(h.handlers[bookingID]) == 0 {
				delete(h.handlers, bookingID)
			}
		})
	}
}

// Publish delivers push to every handler of its booking and reports how many received it.
func (h *Hub) Publish(ctx context.Context, push Push) int {
	h.mu.RLock()
	registered := h.handlers[push.BookingID]
	targets := make([]Handler, 0, len(registered))
	for _, handler := range registered {
		targets = append(targets, handler)
	}
	h.mu.RUnlock()

	for _, handler := range targets {
		handler(ctx, push)
	}
	return len(targets)
}

// Subscribers reports the number of handlers for bookingID.
func (h *Hub) Subscribers(bookingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[bookingID])
}
