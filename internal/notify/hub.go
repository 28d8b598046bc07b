package notify

import (
	"context"
	"sync"
)

// Event is a new-message notification for one user.
type Event struct {
	UserID  int64
	EmailID int64
}

// Hub delivers events to in-process subscribers keyed by user id. It is the
// Notifier a realtime layer (websocket push, IMAP IDLE) subscribes through
// when the pipeline is embedded in a larger process. A slow subscriber loses
// events instead of blocking delivery.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]map[chan Event]struct{}
	buffer int
}

// NewHub returns a Hub whose subscription channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{subs: make(map[int64]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe registers for a user's events. The returned cancel func closes the
// channel and must be called once the subscriber is done.
func (h *Hub) Subscribe(userID int64) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// NewMessage publishes to every subscriber of userID without blocking.
func (h *Hub) NewMessage(_ context.Context, userID, emailID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[userID] {
		select {
		case ch <- Event{UserID: userID, EmailID: emailID}:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for a user.
func (h *Hub) Subscribers(userID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}
