// Package events fans dispatcher lifecycle events out to live subscribers
// (SSE clients, the bench monitor).
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/offload/internal/dispatch"
)

// subscriberBuffer is the minimum per-subscriber channel size. Subscribers
// get at least the ring capacity, so a burst the ring holds is never dropped.
const subscriberBuffer = 256

// Event is one published item. Data is single-line JSON.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals Data as a dispatcher event.
func (e Event) Decode() (dispatch.Event, error) {
	var out dispatch.Event
	err := json.Unmarshal(e.Data, &out)
	return out, err
}

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Hub is an in-memory pub/sub with a ring buffer for late clients.
// It implements dispatch.Observer.
type Hub struct {
	nextID atomic.Int64

	mu      sync.Mutex
	ring    []Event
	start   int
	size    int
	subs    map[int]subscriber
	nextSub int
}

var _ dispatch.Observer = (*Hub)(nil)

// NewHub returns a hub keeping the last capacity events (default 100).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Observe publishes a dispatcher event under its kind.
func (h *Hub) Observe(e dispatch.Event) {
	h.Publish(string(e.Kind), e)
}

// Publish records data under eventType and delivers it to subscribers.
// Slow subscribers miss events rather than block the producer.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.push(ev)
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of every new event and its cancel func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	return h.subscribe(nil)
}

// SubscribeDispatcher only delivers events of one dispatcher.
func (h *Hub) SubscribeDispatcher(id string) (<-chan Event, func()) {
	return h.subscribe(func(ev Event) bool {
		de, err := ev.Decode()
		return err == nil && de.DispatcherID == id
	})
}

func (h *Hub) subscribe(filter func(Event) bool) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	sub := subscriber{ch: make(chan Event, max(subscriberBuffer, len(h.ring))), filter: filter}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
// lastID 0 returns the whole buffer.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) push(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
