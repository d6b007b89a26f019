package rates

import (
	"context"
	"testing"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/store"
)

func TestEngineFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	eng := NewEngine(nil, nil)
	cfg := eng.GetCurrentRates(context.Background())
	if cfg.Version != Default2025().Version {
		t.Fatalf("expected hardcoded defaults, got %s", cfg.Version)
	}
	if !cfg.VerifyIntegrity() {
		t.Fatal("default configuration failed integrity check")
	}
}

func TestEngineServesStoreBackedConfiguration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	eng := NewEngine(fs, store.NewMemoryCache())

	cfg := Default2025()
	cfg.Version = "2025.2.0"
	if err := eng.SaveConfiguration(ctx, cfg, true); err != nil {
		t.Fatalf("save configuration: %v", err)
	}

	got := eng.GetCurrentRates(ctx)
	if got.Version != "2025.2.0" {
		t.Fatalf("current version = %s, want 2025.2.0", got.Version)
	}
}

func TestEngineSharedCachePropagation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	shared := store.NewMemoryCache()

	writer := NewEngine(fs, shared)
	cfg := Default2025()
	cfg.Version = "2025.3.0"
	if err := writer.SaveConfiguration(ctx, cfg, true); err != nil {
		t.Fatalf("save configuration: %v", err)
	}
	// Warm the shared cache through the writer's read path.
	if got := writer.GetCurrentRates(ctx); got.Version != "2025.3.0" {
		t.Fatalf("writer sees %s, want 2025.3.0", got.Version)
	}

	// A second process with no versioned store still resolves via the
	// shared cache.
	reader := NewEngine(nil, shared)
	if got := reader.GetCurrentRates(ctx); got.Version != "2025.3.0" {
		t.Fatalf("reader sees %s, want 2025.3.0", got.Version)
	}
}

func TestEngineInProcessCacheExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	eng := NewEngine(fs, nil)

	now := time.Unix(1_700_000_000, 0)
	eng.now = func() time.Time { return now }

	first := eng.GetCurrentRates(ctx)
	if first.Version != Default2025().Version {
		t.Fatalf("expected defaults, got %s", first.Version)
	}

	cfg := Default2025()
	cfg.Version = "2025.4.0"
	if err := fs.SaveVersion(ctx, cfg); err != nil {
		t.Fatalf("save version: %v", err)
	}
	if err := fs.SetCurrent(ctx, cfg.Version); err != nil {
		t.Fatalf("set current: %v", err)
	}

	// Within the TTL the stale in-process copy is served.
	if got := eng.GetCurrentRates(ctx); got.Version != first.Version {
		t.Fatalf("expected cached %s within TTL, got %s", first.Version, got.Version)
	}

	now = now.Add(defaultCacheTTL + time.Second)
	if got := eng.GetCurrentRates(ctx); got.Version != "2025.4.0" {
		t.Fatalf("expected reload after TTL, got %s", got.Version)
	}
}

func TestEngineInvalidateForcesReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	eng := NewEngine(fs, store.NewMemoryCache())

	v1 := Default2025()
	v1.Version = "2025.5.0"
	if err := eng.SaveConfiguration(ctx, v1, true); err != nil {
		t.Fatalf("save v1: %v", err)
	}
	if got := eng.GetCurrentRates(ctx); got.Version != "2025.5.0" {
		t.Fatalf("got %s, want 2025.5.0", got.Version)
	}

	v2 := Default2025()
	v2.Version = "2025.6.0"
	if err := eng.SaveConfiguration(ctx, v2, true); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	// SaveConfiguration invalidates, so the new version is visible at once.
	if got := eng.GetCurrentRates(ctx); got.Version != "2025.6.0" {
		t.Fatalf("got %s, want 2025.6.0 after publish", got.Version)
	}
}

func TestEngineListAndLoadVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	eng := NewEngine(fs, nil)

	cfg := Default2025()
	if err := eng.SaveConfiguration(ctx, cfg, false); err != nil {
		t.Fatalf("save: %v", err)
	}

	versions, err := eng.ListAvailableVersions(ctx)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 || versions[0] != cfg.Version {
		t.Fatalf("unexpected versions: %v", versions)
	}

	loaded, err := eng.LoadVersion(ctx, cfg.Version)
	if err != nil {
		t.Fatalf("load version: %v", err)
	}
	if !eng.VerifyIntegrity(loaded) {
		t.Fatal("loaded version failed integrity check")
	}
}
