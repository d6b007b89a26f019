package ratelimit

import (
	"testing"
	"time"
)

func TestNewRedisDefaults(t *testing.T) {
	lim := NewRedis(nil, 0)
	if lim.Window != time.Minute {
		t.Fatalf("expected default one-minute window, got %v", lim.Window)
	}
	if lim.Prefix != "moneyrite:rl:" {
		t.Fatalf("expected namespaced redis prefix, got %q", lim.Prefix)
	}
	if lim.Fallback == nil {
		t.Fatal("expected in-memory fallback to be initialized")
	}
}

func TestNewRedisKeepsConfiguredWindow(t *testing.T) {
	lim := NewRedis(nil, 30*time.Second)
	if lim.Window != 30*time.Second {
		t.Fatalf("expected configured window, got %v", lim.Window)
	}
	if lim.Fallback == nil {
		t.Fatal("expected in-memory fallback to be initialized")
	}
}
