package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/store"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, cfg Settings) (*Breaker, *time.Time) {
	t.Helper()
	b := New("rate_engine", store.NewMemoryCache(), cfg)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newTestBreaker(t, Settings{FailureThreshold: 3})
	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := b.Status(ctx); got.State != StateOpen {
		t.Fatalf("state = %s, want open", got.State)
	}

	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got: %v", err)
	}
	if invoked {
		t.Fatal("protected function must not run while open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newTestBreaker(t, Settings{FailureThreshold: 3})
	for i := 0; i < 2; i++ {
		_ = b.Do(ctx, failing)
	}
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("success call: %v", err)
	}
	// Two more failures must not reach the threshold of three.
	for i := 0; i < 2; i++ {
		_ = b.Do(ctx, failing)
	}
	if got := b.Status(ctx); got.State != StateClosed {
		t.Fatalf("state = %s, want closed", got.State)
	}
}

func TestBreakerHalfOpenTrialCloses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, now := newTestBreaker(t, Settings{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	})
	_ = b.Do(ctx, failing)
	_ = b.Do(ctx, failing)
	if got := b.Status(ctx); got.State != StateOpen {
		t.Fatalf("state = %s, want open", got.State)
	}

	// Still inside the recovery window.
	if err := b.Do(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen inside window, got: %v", err)
	}

	*now = now.Add(61 * time.Second)
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if got := b.Status(ctx); got.State != StateHalfOpen {
		t.Fatalf("state = %s, want half_open after one success", got.State)
	}
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if got := b.Status(ctx); got.State != StateClosed {
		t.Fatalf("state = %s, want closed", got.State)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, now := newTestBreaker(t, Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	_ = b.Do(ctx, failing)
	if got := b.Status(ctx); got.State != StateOpen {
		t.Fatalf("state = %s, want open", got.State)
	}

	*now = now.Add(2 * time.Minute)
	if err := b.Do(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("trial: %v", err)
	}
	if got := b.Status(ctx); got.State != StateOpen {
		t.Fatalf("state = %s, want open after failed trial", got.State)
	}
	// The fresh open window rejects again.
	if err := b.Do(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got: %v", err)
	}
}

func TestBreakerSharedStateAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache := store.NewMemoryCache()
	a := New("shared", cache, Settings{FailureThreshold: 2})
	b := New("shared", cache, Settings{FailureThreshold: 2})
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }
	b.now = func() time.Time { return now }

	_ = a.Do(ctx, failing)
	_ = a.Do(ctx, failing)

	// The second instance observes the open circuit through the shared store.
	if err := b.Do(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen from second instance, got: %v", err)
	}
	if got := b.Status(ctx); got.State != StateOpen {
		t.Fatalf("state = %s, want open", got.State)
	}
}

func TestBreakerTransitionCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newTestBreaker(t, Settings{FailureThreshold: 1})
	var transitions [][2]string
	b.OnTransition = func(name, from, to string) {
		transitions = append(transitions, [2]string{from, to})
	}
	_ = b.Do(ctx, failing)
	if len(transitions) != 1 || transitions[0] != [2]string{StateClosed, StateOpen} {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newTestBreaker(t, Settings{FailureThreshold: 1})
	_ = b.Do(ctx, failing)
	if got := b.Status(ctx); got.State != StateOpen {
		t.Fatalf("state = %s, want open", got.State)
	}
	b.Reset(ctx)
	got := b.Status(ctx)
	if got.State != StateClosed || got.Failures != 0 {
		t.Fatalf("unexpected status after reset: %+v", got)
	}
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}
