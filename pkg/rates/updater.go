package rates

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Noxie-dev/jobrite.com/pkg/bus"
	"github.com/Noxie-dev/jobrite.com/pkg/stream"
)

const (
	updateLockKey        = "moneyrite:rate_update_lock"
	updateStatusCacheKey = "moneyrite:rate_update_status"
	defaultLockTTL       = 5 * time.Minute
)

var (
	// ErrUpdateInProgress is returned immediately when the system-wide update
	// lock is held; updates are never queued or silently retried.
	ErrUpdateInProgress = errors.New("rates: update already in progress")
	// ErrIntegrity reports a checksum mismatch on a candidate configuration.
	ErrIntegrity = errors.New("rates: configuration integrity check failed")
)

// ShadowDiff is one informational comparison row between the live and the
// candidate configuration.
type ShadowDiff struct {
	Income string `json:"income"`
	OldTax string `json:"old_tax"`
	NewTax string `json:"new_tax"`
	Delta  string `json:"delta"`
}

// ShadowCompareFunc computes best-effort diffs between two configurations on
// representative incomes. Injected to keep the calculator dependency explicit.
type ShadowCompareFunc func(old, candidate *Config, incomes []decimal.Decimal) []ShadowDiff

// UpdateResult reports the outcome of a (possibly verify-only) update.
type UpdateResult struct {
	UpdateID        string       `json:"update_id"`
	PreviousVersion string       `json:"previous_version,omitempty"`
	NewVersion      string       `json:"new_version"`
	VerifiedOnly    bool         `json:"verified_only"`
	Comparison      []ShadowDiff `json:"comparison,omitempty"`
}

// UpdateStatus reports the currently published version and lock state.
type UpdateStatus struct {
	CurrentVersion   string `json:"current_version"`
	EffectiveDate    string `json:"effective_date"`
	LastCheck        string `json:"last_check"`
	UpdateInProgress bool   `json:"update_in_progress"`
}

// Updater is the validated, locked hot-update workflow. The shared store's
// set-if-absent lock is the only serialization point in the subsystem; every
// read path stays concurrent.
type Updater struct {
	Engine        *Engine
	Events        *stream.Hub
	Bus           bus.Publisher
	ShadowCompare ShadowCompareFunc
	LockTTL       time.Duration
}

var shadowIncomes = []decimal.Decimal{
	decimal.NewFromInt(100000),
	decimal.NewFromInt(200000),
	decimal.NewFromInt(300000),
	decimal.NewFromInt(500000),
	decimal.NewFromInt(1000000),
}

// UpdateRates validates and, unless verifyOnly is set, publishes a new
// configuration. Any failure short-circuits before publish; the live
// configuration is never replaced by an invalid one.
func (u *Updater) UpdateRates(ctx context.Context, raw []byte, verifyOnly bool) (*UpdateResult, error) {
	if err := u.acquireLock(ctx); err != nil {
		return nil, err
	}
	defer u.releaseLock(ctx)

	candidate, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if !candidate.VerifyIntegrity() {
		return nil, ErrIntegrity
	}
	if err := ValidateBusinessRules(candidate); err != nil {
		return nil, err
	}

	result := &UpdateResult{
		UpdateID:   uuid.NewString(),
		NewVersion: candidate.Version,
	}
	if verifyOnly {
		result.VerifiedOnly = true
		return result, nil
	}

	current := u.Engine.GetCurrentRates(ctx)
	result.PreviousVersion = current.Version
	if u.ShadowCompare != nil {
		result.Comparison = u.ShadowCompare(current, candidate, shadowIncomes)
	}

	if err := u.Engine.SaveConfiguration(ctx, candidate, true); err != nil {
		return nil, err
	}
	log.Printf("rates: updated %s -> %s (update %s)", current.Version, candidate.Version, result.UpdateID)
	u.announce(ctx, stream.EventRatesPublished, result)
	return result, nil
}

// Rollback republishes a previously persisted version as current after
// re-verifying its integrity.
func (u *Updater) Rollback(ctx context.Context, version string) (*UpdateResult, error) {
	if err := u.acquireLock(ctx); err != nil {
		return nil, err
	}
	defer u.releaseLock(ctx)

	cfg, err := u.Engine.LoadVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	if !cfg.VerifyIntegrity() {
		return nil, ErrIntegrity
	}
	current := u.Engine.GetCurrentRates(ctx)
	if err := u.Engine.Store.SetCurrent(ctx, version); err != nil {
		return nil, err
	}
	u.Engine.Invalidate(ctx)

	result := &UpdateResult{
		UpdateID:        uuid.NewString(),
		PreviousVersion: current.Version,
		NewVersion:      version,
	}
	log.Printf("rates: rolled back %s -> %s (update %s)", current.Version, version, result.UpdateID)
	u.announce(ctx, stream.EventRatesRollback, result)
	return result, nil
}

// Status reports the published version and whether an update is in flight.
func (u *Updater) Status(ctx context.Context) UpdateStatus {
	current := u.Engine.GetCurrentRates(ctx)
	status := UpdateStatus{
		CurrentVersion: current.Version,
		EffectiveDate:  current.EffectiveDate,
		LastCheck:      time.Now().UTC().Format(time.RFC3339),
	}
	if u.Engine.Cache != nil {
		if _, err := u.Engine.Cache.Get(ctx, updateLockKey); err == nil {
			status.UpdateInProgress = true
		}
	}
	return status
}

func (u *Updater) acquireLock(ctx context.Context) error {
	if u.Engine.Cache == nil {
		return nil
	}
	ttl := u.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	ok, err := u.Engine.Cache.SetNX(ctx, updateLockKey, "1", ttl)
	if err != nil {
		return fmt.Errorf("rates: acquire update lock: %w", err)
	}
	if !ok {
		return ErrUpdateInProgress
	}
	return nil
}

func (u *Updater) releaseLock(ctx context.Context) {
	if u.Engine.Cache == nil {
		return
	}
	if err := u.Engine.Cache.Del(ctx, updateLockKey); err != nil {
		log.Printf("rates: release update lock: %v", err)
	}
}

func (u *Updater) announce(ctx context.Context, eventType string, result *UpdateResult) {
	if u.Events != nil {
		u.Events.Publish(stream.NewEvent(eventType, result))
	}
	if u.Bus != nil {
		if err := u.Bus.Publish(ctx, result.NewVersion, map[string]interface{}{
			"event":  eventType,
			"result": result,
		}); err != nil {
			log.Printf("rates: publish %s event: %v", eventType, err)
		}
	}
}

// ValidateBusinessRules applies the structural sanity checks a candidate
// configuration must pass before it can be published: brackets ascending and
// non-overlapping, rates within [0, 0.5], rebates non-negative, UIF rate
// within [0, 0.05].
func ValidateBusinessRules(cfg *Config) error {
	maxRate := decimal.RequireFromString("0.5")
	maxUIF := decimal.RequireFromString("0.05")

	prevMax := decimal.Zero
	for i, b := range cfg.Brackets {
		if b.MinIncome.Cmp(prevMax) < 0 {
			return fmt.Errorf("%w: tax brackets are not in ascending order", ErrInvalidConfig)
		}
		if b.MaxIncome != nil && b.MaxIncome.Cmp(b.MinIncome) <= 0 {
			return fmt.Errorf("%w: invalid bracket range at index %d", ErrInvalidConfig, i)
		}
		if b.Rate.IsNegative() || b.Rate.Cmp(maxRate) > 0 {
			return fmt.Errorf("%w: unreasonable tax rate %s", ErrInvalidConfig, b.Rate)
		}
		if b.MaxIncome == nil {
			if i != len(cfg.Brackets)-1 {
				return fmt.Errorf("%w: open-ended bracket must be last", ErrInvalidConfig)
			}
			break
		}
		prevMax = *b.MaxIncome
	}
	for _, r := range cfg.Rebates {
		if r.Amount.IsNegative() {
			return fmt.Errorf("%w: negative rebate amount %s", ErrInvalidConfig, r.Amount)
		}
	}
	if cfg.UIFRate.IsNegative() || cfg.UIFRate.Cmp(maxUIF) > 0 {
		return fmt.Errorf("%w: unreasonable UIF rate %s", ErrInvalidConfig, cfg.UIFRate)
	}
	return nil
}
