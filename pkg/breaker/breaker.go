package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/store"
)

// Circuit states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// ErrOpen is returned without invoking the protected function while the
// circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

const stateTTL = time.Hour

// Settings tune one circuit. Zero values take the defaults.
type Settings struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	RecoveryTimeout  time.Duration // open duration before a trial is admitted (default 60s)
	SuccessThreshold int           // trial successes to close from half-open (default 3)
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 3
	}
	return s
}

type stateDoc struct {
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Successes int    `json:"successes"`
	ChangedAt int64  `json:"changed_at"`
	LastError string `json:"last_error,omitempty"`
}

// Status is the externally visible circuit state.
type Status struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Failures  int    `json:"failure_count"`
	Successes int    `json:"success_count"`
	ChangedAt int64  `json:"last_state_change"`
	LastError string `json:"last_error,omitempty"`
}

// Breaker is a shared-state circuit breaker. The state document lives in the
// shared store so every process sees the same circuit; a set-if-absent probe
// key arbitrates which process runs the first half-open trial.
type Breaker struct {
	Name string

	// OnTransition, when set, observes every state change.
	OnTransition func(name, from, to string)

	cache store.Cache
	cfg   Settings

	mu  sync.Mutex
	now func() time.Time
}

func New(name string, cache store.Cache, cfg Settings) *Breaker {
	return &Breaker{
		Name:  name,
		cache: cache,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

func (b *Breaker) stateKey() string { return "circuit:" + b.Name }
func (b *Breaker) probeKey() string { return "circuit:" + b.Name + ":probe" }

func (b *Breaker) load(ctx context.Context) stateDoc {
	raw, err := b.cache.Get(ctx, b.stateKey())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("breaker %s: load state: %v", b.Name, err)
		}
		return stateDoc{State: StateClosed}
	}
	var doc stateDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		log.Printf("breaker %s: discard malformed state: %v", b.Name, err)
		return stateDoc{State: StateClosed}
	}
	if doc.State == "" {
		doc.State = StateClosed
	}
	return doc
}

func (b *Breaker) save(ctx context.Context, doc stateDoc) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := b.cache.Set(ctx, b.stateKey(), string(raw), stateTTL); err != nil {
		log.Printf("breaker %s: save state: %v", b.Name, err)
	}
}

func (b *Breaker) transition(ctx context.Context, doc *stateDoc, to string) {
	from := doc.State
	doc.State = to
	doc.ChangedAt = b.now().Unix()
	switch to {
	case StateClosed:
		doc.Failures = 0
		doc.Successes = 0
		doc.LastError = ""
	case StateHalfOpen:
		doc.Successes = 0
	}
	if to != StateHalfOpen {
		if err := b.cache.Del(ctx, b.probeKey()); err != nil {
			log.Printf("breaker %s: clear probe: %v", b.Name, err)
		}
	}
	log.Printf("breaker %s: %s -> %s", b.Name, from, to)
	if b.OnTransition != nil {
		b.OnTransition(b.Name, from, to)
	}
}

// Do runs fn under the circuit. While open, calls fail fast with ErrOpen and
// fn is never invoked. After the recovery timeout one caller wins the probe
// and trials the half-open circuit.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	doc := b.load(ctx)
	switch doc.State {
	case StateOpen:
		if b.now().Sub(time.Unix(doc.ChangedAt, 0)) < b.cfg.RecoveryTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		won, err := b.cache.SetNX(ctx, b.probeKey(), "1", b.cfg.RecoveryTimeout)
		if err != nil {
			log.Printf("breaker %s: probe: %v", b.Name, err)
		}
		if !won {
			b.mu.Unlock()
			return ErrOpen
		}
		b.transition(ctx, &doc, StateHalfOpen)
		b.save(ctx, doc)
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	doc = b.load(ctx)
	if err != nil {
		b.onFailure(ctx, doc, err)
		return err
	}
	b.onSuccess(ctx, doc)
	return nil
}

func (b *Breaker) onFailure(ctx context.Context, doc stateDoc, cause error) {
	doc.LastError = cause.Error()
	switch doc.State {
	case StateHalfOpen:
		b.transition(ctx, &doc, StateOpen)
	case StateClosed:
		doc.Failures++
		if doc.Failures >= b.cfg.FailureThreshold {
			b.transition(ctx, &doc, StateOpen)
		}
	}
	b.save(ctx, doc)
}

func (b *Breaker) onSuccess(ctx context.Context, doc stateDoc) {
	switch doc.State {
	case StateHalfOpen:
		doc.Successes++
		if doc.Successes >= b.cfg.SuccessThreshold {
			b.transition(ctx, &doc, StateClosed)
		}
		b.save(ctx, doc)
	case StateClosed:
		if doc.Failures != 0 {
			doc.Failures = 0
			b.save(ctx, doc)
		}
	}
}

// Status reports the current circuit state for dashboards and readiness.
func (b *Breaker) Status(ctx context.Context) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc := b.load(ctx)
	return Status{
		Name:      b.Name,
		State:     doc.State,
		Failures:  doc.Failures,
		Successes: doc.Successes,
		ChangedAt: doc.ChangedAt,
		LastError: doc.LastError,
	}
}

// Reset forces the circuit closed. Operator use only.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc := b.load(ctx)
	if doc.State != StateClosed {
		b.transition(ctx, &doc, StateClosed)
	} else {
		doc.Failures = 0
		doc.Successes = 0
	}
	b.save(ctx, doc)
}
