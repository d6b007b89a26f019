package flags

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/store"
)

const (
	flagStoreKey       = "feature_flags:store"
	canaryKeyPrefix    = "canary_success:"
	canaryTTL          = time.Hour
	refreshInterval    = 5 * time.Minute
	defaultSuccessRate = 100.0
)

var ErrUnknownFlag = errors.New("flags: unknown flag")

// Manager evaluates rollout flags. Flags persist as one document in the
// shared store so every process and restart sees the same rules; a short
// in-process cache keeps evaluation off the network.
type Manager struct {
	// OnDecision, when set, observes every evaluation outcome.
	OnDecision func(flag string, enabled bool)

	cache store.Cache

	mu       sync.RWMutex
	flags    map[string]*Flag
	loadedAt time.Time

	now func() time.Time
}

func NewManager(ctx context.Context, cache store.Cache) *Manager {
	m := &Manager{
		cache: cache,
		flags: map[string]*Flag{},
		now:   time.Now,
	}
	if !m.loadLocked(ctx) {
		for _, f := range defaultFlags() {
			m.flags[f.Name] = f
		}
		m.saveLocked(ctx)
		log.Printf("flags: initialized %d default flags", len(m.flags))
	}
	m.loadedAt = m.now()
	return m
}

// loadLocked replaces the in-memory set from the shared store. Returns false
// when nothing (usable) is stored. Callers hold no lock during construction;
// refresh holds the write lock.
func (m *Manager) loadLocked(ctx context.Context) bool {
	if m.cache == nil {
		return false
	}
	raw, err := m.cache.Get(ctx, flagStoreKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("flags: load: %v", err)
		}
		return false
	}
	var list []*Flag
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		log.Printf("flags: discard malformed flag store: %v", err)
		return false
	}
	m.flags = make(map[string]*Flag, len(list))
	for _, f := range list {
		m.flags[f.Name] = f
	}
	return true
}

func (m *Manager) saveLocked(ctx context.Context) {
	if m.cache == nil {
		return
	}
	list := make([]*Flag, 0, len(m.flags))
	for _, f := range m.flags {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	// No TTL: the flag set is durable configuration, not a cache entry.
	if err := m.cache.Set(ctx, flagStoreKey, string(raw), 0); err != nil {
		log.Printf("flags: save: %v", err)
	}
}

func (m *Manager) refresh(ctx context.Context) {
	m.mu.RLock()
	fresh := m.now().Sub(m.loadedAt) < refreshInterval
	m.mu.RUnlock()
	if fresh {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.now().Sub(m.loadedAt) < refreshInterval {
		return
	}
	m.loadLocked(ctx)
	m.loadedAt = m.now()
}

// bucket maps an input to a stable value in [1, 100]. The same input always
// lands in the same bucket, across processes and restarts.
func bucket(input string) float64 {
	sum := sha256.Sum256([]byte(input))
	return float64(binary.BigEndian.Uint32(sum[:4])%100 + 1)
}

// IsEnabled evaluates a flag for a user. Unknown flags are off.
func (m *Manager) IsEnabled(ctx context.Context, name, userID string) bool {
	m.refresh(ctx)
	m.mu.RLock()
	f, ok := m.flags[name]
	var flag Flag
	if ok {
		flag = *f
	}
	m.mu.RUnlock()
	if !ok {
		return false
	}

	enabled := m.evaluate(ctx, &flag, userID)
	if m.OnDecision != nil {
		m.OnDecision(name, enabled)
	}
	return enabled
}

func (m *Manager) evaluate(ctx context.Context, f *Flag, userID string) bool {
	if !f.Enabled {
		return false
	}
	switch f.Strategy {
	case StrategyOff:
		return false
	case StrategyOn:
		return true
	case StrategyPercentage:
		if userID == "" {
			return false
		}
		return bucket(userID+":"+f.Name) <= f.Percentage
	case StrategyUserList:
		for _, id := range f.UserIDs {
			if id == userID {
				return true
			}
		}
		return false
	case StrategyCanary:
		if userID == "" {
			return false
		}
		if bucket(userID+":canary:"+f.Name) > f.CanaryPercentage {
			return false
		}
		rate := m.CanarySuccessRate(ctx, f.Name)
		if rate < f.CanarySuccessThreshold {
			log.Printf("flags: canary %s success rate %.1f%% below threshold %.1f%%", f.Name, rate, f.CanarySuccessThreshold)
			return false
		}
		return true
	case StrategyShadow:
		// Shadow never changes the served result.
		return false
	}
	return false
}

// ShouldRunShadow reports whether the shadow computation should run for this
// user. Pure bucketing: no per-user state is written.
func (m *Manager) ShouldRunShadow(ctx context.Context, name, userID string) bool {
	m.refresh(ctx)
	m.mu.RLock()
	f, ok := m.flags[name]
	var flag Flag
	if ok {
		flag = *f
	}
	m.mu.RUnlock()
	if !ok || !flag.Enabled || flag.Strategy != StrategyShadow || userID == "" {
		return false
	}
	return bucket(userID+":shadow:"+name) <= flag.ShadowPercentage
}

type canaryCounters struct {
	Total     int `json:"total"`
	Successes int `json:"successes"`
}

// RecordCanaryResult accumulates canary outcome counters. Counters expire
// after an hour so the rate reflects recent traffic.
func (m *Manager) RecordCanaryResult(ctx context.Context, name string, success bool) {
	if m.cache == nil {
		return
	}
	key := canaryKeyPrefix + name
	var c canaryCounters
	if raw, err := m.cache.Get(ctx, key); err == nil {
		_ = json.Unmarshal([]byte(raw), &c)
	}
	c.Total++
	if success {
		c.Successes++
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, key, string(raw), canaryTTL); err != nil {
		log.Printf("flags: record canary result: %v", err)
	}
}

// CanarySuccessRate reports the recent canary success percentage. With no
// observations the rate is 100: a canary with zero traffic is not treated as
// failing.
func (m *Manager) CanarySuccessRate(ctx context.Context, name string) float64 {
	if m.cache == nil {
		return defaultSuccessRate
	}
	raw, err := m.cache.Get(ctx, canaryKeyPrefix+name)
	if err != nil {
		return defaultSuccessRate
	}
	var c canaryCounters
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.Total == 0 {
		return defaultSuccessRate
	}
	return float64(c.Successes) / float64(c.Total) * 100
}

// Get returns a flag's configuration and canary metrics.
func (m *Manager) Get(ctx context.Context, name string) (*Status, error) {
	m.refresh(ctx)
	m.mu.RLock()
	f, ok := m.flags[name]
	var flag Flag
	if ok {
		flag = *f
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, name)
	}
	st := &Status{Flag: flag}
	if flag.Strategy == StrategyCanary {
		rate := m.CanarySuccessRate(ctx, name)
		st.CanarySuccessRate = &rate
	}
	return st, nil
}

// List returns every flag, sorted by name.
func (m *Manager) List(ctx context.Context) []*Status {
	m.refresh(ctx)
	m.mu.RLock()
	names := make([]string, 0, len(m.flags))
	for name := range m.flags {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make([]*Status, 0, len(names))
	for _, name := range names {
		if st, err := m.Get(ctx, name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Update is a partial update of a flag's rollout configuration. Nil fields
// are left unchanged.
type Update struct {
	Enabled          *bool     `json:"enabled,omitempty"`
	Strategy         *string   `json:"strategy,omitempty"`
	Percentage       *float64  `json:"percentage,omitempty"`
	UserIDs          *[]string `json:"user_ids,omitempty"`
	CanaryPercentage *float64  `json:"canary_percentage,omitempty"`
	ShadowPercentage *float64  `json:"shadow_percentage,omitempty"`
}

func validStrategy(s string) bool {
	switch s {
	case StrategyOff, StrategyOn, StrategyPercentage, StrategyUserList, StrategyCanary, StrategyShadow:
		return true
	}
	return false
}

func (m *Manager) Apply(ctx context.Context, name string, upd Update) (*Flag, error) {
	if upd.Strategy != nil && !validStrategy(*upd.Strategy) {
		return nil, fmt.Errorf("flags: invalid strategy %q", *upd.Strategy)
	}
	if upd.Percentage != nil && (*upd.Percentage < 0 || *upd.Percentage > 100) {
		return nil, fmt.Errorf("flags: percentage out of range")
	}
	if upd.CanaryPercentage != nil && (*upd.CanaryPercentage < 0 || *upd.CanaryPercentage > 100) {
		return nil, fmt.Errorf("flags: canary percentage out of range")
	}
	if upd.ShadowPercentage != nil && (*upd.ShadowPercentage < 0 || *upd.ShadowPercentage > 100) {
		return nil, fmt.Errorf("flags: shadow percentage out of range")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, name)
	}
	if upd.Enabled != nil {
		f.Enabled = *upd.Enabled
	}
	if upd.Strategy != nil {
		f.Strategy = *upd.Strategy
	}
	if upd.Percentage != nil {
		f.Percentage = *upd.Percentage
	}
	if upd.UserIDs != nil {
		f.UserIDs = *upd.UserIDs
	}
	if upd.CanaryPercentage != nil {
		f.CanaryPercentage = *upd.CanaryPercentage
	}
	if upd.ShadowPercentage != nil {
		f.ShadowPercentage = *upd.ShadowPercentage
	}
	f.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	m.saveLocked(ctx)
	log.Printf("flags: updated %s", name)
	out := *f
	return &out, nil
}

// PromoteCanary turns a healthy canary into a full rollout. Refused while the
// success rate is below the flag's threshold unless forced.
func (m *Manager) PromoteCanary(ctx context.Context, name string, force bool) (*Flag, error) {
	m.mu.Lock()
	f, ok := m.flags[name]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, name)
	}
	if f.Strategy != StrategyCanary {
		m.mu.Unlock()
		return nil, fmt.Errorf("flags: %s is not a canary", name)
	}
	threshold := f.CanarySuccessThreshold
	m.mu.Unlock()

	if !force {
		if rate := m.CanarySuccessRate(ctx, name); rate < threshold {
			return nil, fmt.Errorf("flags: canary %s success rate %.1f%% below threshold %.1f%%", name, rate, threshold)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok = m.flags[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, name)
	}
	f.Strategy = StrategyOn
	f.Enabled = true
	f.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	m.saveLocked(ctx)
	log.Printf("flags: promoted canary %s to full rollout", name)
	out := *f
	return &out, nil
}

// EmergencyDisable kills a flag outright, overriding any rollout strategy.
func (m *Manager) EmergencyDisable(ctx context.Context, name, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, name)
	}
	f.Enabled = false
	f.Strategy = StrategyOff
	f.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	m.saveLocked(ctx)
	log.Printf("flags: EMERGENCY DISABLE %s: %s", name, reason)
	return nil
}
