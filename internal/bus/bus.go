// Package bus fans accepted messages out to every connected client.
// The hub is process-local; the mesh extends it across cooperating
// processes. History never flows through the bus — reconnecting clients
// catch up from the durable log instead.
package bus

import (
	"log/slog"
	"sync"
)

// Message is the broadcast payload delivered to clients. Sequence is the
// store-assigned order; clients display by it regardless of arrival order.
type Message struct {
	Sequence int64  `json:"sequence"`
	Content  string `json:"content"`
}

// Bus delivers every published message to all current subscribers.
type Bus interface {
	Publish(msg Message)
	Subscribe() *Subscription
}

// Subscription is a live feed of published messages. C is closed when the
// subscription is cancelled or the subscriber is evicted for lagging.
type Subscription struct {
	C  <-chan Message
	ch chan Message
	h  *Hub
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.h.unsubscribe(s)
}

// Hub is the process-local fan-out bus. It is safe for concurrent use
// from multiple goroutines.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub whose subscribers each get a buffer of the given
// size. A subscriber that falls more than buffer messages behind is evicted.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned subscription receives
// every message published after this call.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Message, h.buffer)
	sub := &Subscription{C: ch, ch: ch, h: h}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Publish delivers msg to every subscriber without blocking. A subscriber
// whose buffer is full is evicted and its channel closed; it is expected to
// reconnect and recover the missed range through catch-up replay.
func (h *Hub) Publish(msg Message) {
	var evicted int

	h.mu.Lock()
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			delete(h.subs, sub)
			close(sub.ch)
			evicted++
		}
	}
	h.mu.Unlock()

	if evicted > 0 {
		slog.Warn("Evicted lagging subscribers", "count", evicted, "sequence", msg.Sequence)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
