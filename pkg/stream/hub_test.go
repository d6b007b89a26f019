package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(EventRatesPublished, map[string]string{"version": "2026.1.0"})
	if evt.Type != EventRatesPublished {
		t.Fatalf("expected rates.published, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["version"] != "2026.1.0" {
		t.Fatalf("expected version payload, got %q", payload["version"])
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent(EventFlagChanged, nil))

	select {
	case evt := <-ch:
		if evt.Type != EventFlagChanged {
			t.Fatalf("expected flag.changed event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent(EventBreakerTransition, map[string]string{"to": "open"}))
	h.Publish(NewEvent(EventBreakerTransition, map[string]string{"to": "half_open"}))

	select {
	case evt := <-ch:
		if evt.Type != EventBreakerTransition {
			t.Fatalf("expected buffered transition event, got %q", evt.Type)
		}
		var payload map[string]string
		if err := json.Unmarshal(evt.Data, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["to"] != "open" {
			t.Fatalf("expected first event to remain in buffer, got %q", payload["to"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}

	if got := h.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}
	if got := h.Subscribers(); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}

func TestPublishToManySubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := h.Subscribe(1)
	b := h.Subscribe(1)
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	h.Publish(NewEvent(EventSLOAlert, map[string]string{"objective": "availability"}))

	for _, ch := range []chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Type != EventSLOAlert {
				t.Fatalf("expected slo.alert fan-out, got %q", evt.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for fan-out event")
		}
	}
}
