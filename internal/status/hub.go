// Package status buffers pipeline events for the shell's live log display.
// The hub is purely observational: aggregate statistics always come from the
// ledger, never from here.
package status

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one stage transition or terminal outcome for a fingerprint.
type Event struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Stage       string    `json:"stage"`
	Outcome     string    `json:"outcome"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

const defaultCapacity = 100

// Hub keeps a bounded buffer of recent events; the oldest entries are evicted
// once the buffer is full, matching the shell's rolling-log display.
type Hub struct {
	mu  sync.Mutex
	buf []Event
	cap int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{cap: capacity}
}

// Publish records an event, stamping its ID and timestamp.
func (h *Hub) Publish(e Event) {
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, e)
	if len(h.buf) > h.cap {
		h.buf = h.buf[len(h.buf)-h.cap:]
	}
}

// Drain returns the buffered events and clears the buffer; the shell polls
// and renders each batch exactly once.
func (h *Hub) Drain() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.buf
	h.buf = nil
	return out
}

// Len reports the number of buffered events.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}
