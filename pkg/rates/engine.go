package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/store"
)

const (
	currentCacheKey = "moneyrite:current_rates"
	defaultCacheTTL = time.Hour
)

// Engine serves the current rate configuration from a small in-process TTL
// cache fronting the shared store and the versioned store. Readers may see a
// stale-but-valid configuration for at most one TTL window after a publish;
// tax-year changes are planned months ahead, so that is acceptable.
type Engine struct {
	Store VersionStore
	Cache store.Cache
	TTL   time.Duration

	mu       sync.RWMutex
	current  *Config
	loadedAt time.Time

	now func() time.Time
}

func NewEngine(vs VersionStore, cache store.Cache) *Engine {
	return &Engine{
		Store: vs,
		Cache: cache,
		TTL:   defaultCacheTTL,
		now:   time.Now,
	}
}

// GetCurrentRates never fails: in-process cache, then shared store, then
// versioned store, then the hardcoded default. Fallbacks are logged.
func (e *Engine) GetCurrentRates(ctx context.Context) *Config {
	e.mu.RLock()
	if e.current != nil && e.now().Sub(e.loadedAt) < e.TTL {
		cfg := e.current
		e.mu.RUnlock()
		return cfg
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.now().Sub(e.loadedAt) < e.TTL {
		return e.current
	}

	if cfg := e.loadFromSharedCache(ctx); cfg != nil {
		e.current = cfg
		e.loadedAt = e.now()
		return cfg
	}

	if e.Store != nil {
		cfg, err := e.Store.LoadCurrent(ctx)
		if err == nil {
			e.current = cfg
			e.loadedAt = e.now()
			e.writeSharedCache(ctx, cfg)
			return cfg
		}
		if err != ErrNoCurrent {
			log.Printf("rates: load current configuration: %v", err)
		}
	}

	log.Printf("rates: no rate configuration found, using hardcoded %s defaults", Default2025().TaxYear)
	cfg := Default2025()
	e.current = cfg
	e.loadedAt = e.now()
	return cfg
}

func (e *Engine) loadFromSharedCache(ctx context.Context) *Config {
	if e.Cache == nil {
		return nil
	}
	raw, err := e.Cache.Get(ctx, currentCacheKey)
	if err != nil {
		return nil
	}
	cfg, err := Parse([]byte(raw))
	if err != nil {
		log.Printf("rates: discard malformed cached configuration: %v", err)
		return nil
	}
	return cfg
}

func (e *Engine) writeSharedCache(ctx context.Context, cfg *Config) {
	if e.Cache == nil {
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := e.Cache.Set(ctx, currentCacheKey, string(raw), e.TTL); err != nil {
		log.Printf("rates: shared cache write failed: %v", err)
	}
}

// SaveConfiguration seals the configuration, persists the version record and,
// when makeCurrent is set, swaps the current pointer and invalidates caches.
// The version record is written before the pointer swap so a failure can
// never leave a current pointer at a missing version.
func (e *Engine) SaveConfiguration(ctx context.Context, cfg *Config, makeCurrent bool) error {
	if e.Store == nil {
		return fmt.Errorf("rates: no version store configured")
	}
	if err := cfg.Seal(); err != nil {
		return fmt.Errorf("rates: seal configuration: %w", err)
	}
	if err := e.Store.SaveVersion(ctx, cfg); err != nil {
		return fmt.Errorf("rates: save version %s: %w", cfg.Version, err)
	}
	if !makeCurrent {
		return nil
	}
	if err := e.Store.SetCurrent(ctx, cfg.Version); err != nil {
		return fmt.Errorf("rates: set current %s: %w", cfg.Version, err)
	}
	e.Invalidate(ctx)
	log.Printf("rates: published configuration %s", cfg.Version)
	return nil
}

// Invalidate drops the in-process and shared cache entries so the next read
// reloads from the versioned store.
func (e *Engine) Invalidate(ctx context.Context) {
	e.mu.Lock()
	e.current = nil
	e.loadedAt = time.Time{}
	e.mu.Unlock()
	if e.Cache != nil {
		if err := e.Cache.Del(ctx, currentCacheKey); err != nil {
			log.Printf("rates: shared cache invalidation failed: %v", err)
		}
	}
}

// VerifyIntegrity recomputes the checksum over the canonical serialization.
func (e *Engine) VerifyIntegrity(cfg *Config) bool {
	return cfg.VerifyIntegrity()
}

// ListAvailableVersions returns all persisted versions, descending.
func (e *Engine) ListAvailableVersions(ctx context.Context) ([]string, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("rates: no version store configured")
	}
	return e.Store.ListVersions(ctx)
}

// LoadVersion fetches a specific persisted version.
func (e *Engine) LoadVersion(ctx context.Context, version string) (*Config, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("rates: no version store configured")
	}
	return e.Store.LoadVersion(ctx, version)
}
