// Package events fans deployment activity out to live subscribers such as the
// admin API's SSE stream.
package events

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Event types published while handling deliveries.
const (
	DeliveryAccepted  = "delivery.accepted"
	DeliveryRejected  = "delivery.rejected"
	RunStarted        = "run.started"
	PhaseCompleted    = "phase.completed"
	PhaseFailed       = "phase.failed"
	PhaseSkipped      = "phase.skipped"
	RunSucceeded      = "run.succeeded"
	RunFailed         = "run.failed"
	PrehookSuperseded = "prehook.superseded"
)

// Publisher is implemented by Hub and consumed by producers.
type Publisher interface {
	Publish(eventType string, data any)
}

// Event is one published activity record. IDs increase by one per Publish.
type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

const (
	defaultBacklog   = 100
	subscriberBuffer = 64
)

// Hub fans events out to subscribers and keeps the most recent ones so a
// reconnecting client can catch up.
type Hub struct {
	mu        sync.Mutex
	lastID    int64
	backlog   []Event
	keep      int
	listeners map[chan Event]struct{}
}

// NewHub returns a hub remembering the last keep events, 100 when keep <= 0.
func NewHub(keep int) *Hub {
	if keep <= 0 {
		keep = defaultBacklog
	}
	return &Hub{
		backlog:   make([]Event, 0, keep),
		keep:      keep,
		listeners: make(map[chan Event]struct{}),
	}
}

func encode(data any) []byte {
	if data == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Publish records an event and offers it to every subscriber.
func (h *Hub) Publish(eventType string, data any) {
	payload := encode(data)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	if len(h.backlog) == h.keep {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.keep-1]
	}
	h.backlog = append(h.backlog, ev)

	for ch := range h.listeners {
		// Slow SSE clients drop events rather than stall a pipeline.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel; calling it again is a no-op.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// SnapshotSince returns remembered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.backlog), func(i int) bool { return h.backlog[i].ID > lastID })
	return append([]Event(nil), h.backlog[i:]...)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any) {}
