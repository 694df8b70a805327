package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/tutu-network/adrewards/internal/app/account"
)

// ─── Live Account Events ────────────────────────────────────────────────────
// Account events are pushed to every subscriber as named Server-Sent Events:
//
//	id: 7
//	event: deposited_funds
//	data: {"type":"deposited_funds","transaction":{...}}

const subscriberBuffer = 32

// EventHub fans account events out to SSE subscribers.
type EventHub struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[chan []byte]struct{}
	closed bool
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan []byte]struct{})}
}

// Observe matches account.Observer. Subscribers that are behind miss the
// event; the account is never blocked.
func (h *EventHub) Observe(e account.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	frame := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", h.seq, e.Type, data))
	for ch := range h.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned func unsubscribes and is
// safe to call more than once. After Close the channel is already closed.
func (h *EventHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
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

// Close disconnects every subscriber and ignores later events.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// ClientCount returns the number of subscribers.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// HandleEventsSSE streams account events.
// GET /api/events
func (h *EventHub) HandleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := h.Subscribe()
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
