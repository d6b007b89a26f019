// Package stream fans release and calculation events out to live
// websocket subscribers. Delivery is best effort: a subscriber that
// cannot keep up loses events rather than stalling publishers.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published over the live stream.
const (
	EventRatesPublished    = "rates.published"
	EventRatesRollback     = "rates.rollback"
	EventCalculationDone   = "calculation.completed"
	EventBreakerTransition = "breaker.transition"
	EventFlagChanged       = "flag.changed"
	EventSLOAlert          = "slo.alert"
)

const defaultSubscriberBuffer = 32

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps the event with the current UTC time. Payloads that
// fail to marshal are sent without data rather than dropped.
func NewEvent(eventType string, data interface{}) Event {
	evt := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data == nil {
		return evt
	}
	if b, err := json.Marshal(data); err == nil {
		evt.Data = b
	}
	return evt
}

// Hub is a fan-out broadcaster. Zero value is not usable, use NewHub.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber channel. The channel stays open
// until Unsubscribe is called with it.
func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it. Unknown channels are
// ignored so double unsubscribes are safe.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers evt to every subscriber with room in its buffer and
// counts the rest as dropped.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many events were discarded because a
// subscriber's buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
