// internal/controlplane/hub.go
//
// Fan-out of job status change events to SSE subscribers. Delivery is
// best-effort: a slow subscriber loses events rather than stalling the
// publisher, and a short backlog is replayed to newcomers so a monitor
// attaching mid-run sees recent history.

package controlplane

import (
	"sync"

	"github.com/kingrea/The-Kiln/internal/status"
)

const (
	// subscriberBuffer is each subscriber channel's capacity; events
	// beyond it are dropped for that subscriber.
	subscriberBuffer = 16

	// backlogLimit bounds the replay window kept for new subscribers.
	backlogLimit = 32
)

// Hub broadcasts status change events to any number of subscribers.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan status.ChangeEvent]struct{}
	backlog []status.ChangeEvent
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[chan status.ChangeEvent]struct{}{}}
}

// Publish records the event in the backlog and forwards it to every
// subscriber without blocking. Its signature matches the orchestrator's
// event sink so the two wire together directly.
func (h *Hub) Publish(ev status.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.backlog = append(h.backlog, ev)
	if len(h.backlog) > backlogLimit {
		h.backlog = h.backlog[len(h.backlog)-backlogLimit:]
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber and replays the most recent
// backlog into its channel. The caller must Unsubscribe when done.
func (h *Hub) Subscribe() chan status.ChangeEvent {
	ch := make(chan status.ChangeEvent, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if len(h.backlog) > subscriberBuffer {
		start = len(h.backlog) - subscriberBuffer
	}
	for _, ev := range h.backlog[start:] {
		ch <- ev
	}
	h.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan status.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; !ok {
		return
	}
	delete(h.subs, ch)
	close(ch)
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
