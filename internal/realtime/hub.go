package realtime

import (
	"sync"
)

// VoteEvent is one vote-table change published by the database trigger.
type VoteEvent struct {
	PollID   int    `json:"poll_id"`
	OptionID int    `json:"option_id"`
	Op       string `json:"op"`
}

// Hub fans vote events out to per-poll subscribers. Subscribers with a
// full buffer miss events; the SSE handler re-reads counts from the
// database on every event, so a dropped event only delays a snapshot.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]map[chan VoteEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]map[chan VoteEvent]struct{}),
	}
}

// Subscribe registers for events on one poll. The returned cancel
// function must be called when the subscriber goes away.
func (h *Hub) Subscribe(pollID int) (<-chan VoteEvent, func()) {
	ch := make(chan VoteEvent, 16)

	h.mu.Lock()
	if h.subs[pollID] == nil {
		h.subs[pollID] = make(map[chan VoteEvent]struct{})
	}
	h.subs[pollID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[pollID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, pollID)
			}
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers an event to every subscriber of its poll.
func (h *Hub) Publish(ev VoteEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[ev.PollID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it catches up on the next event.
		}
	}
}

// Subscribers reports the number of active subscribers for a poll.
func (h *Hub) Subscribers(pollID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[pollID])
}
