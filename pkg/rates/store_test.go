package rates

import (
	"context"
	"errors"
	"testing"
)

func TestFileStoreSaveAndLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	if _, err := fs.LoadCurrent(ctx); !errors.Is(err, ErrNoCurrent) {
		t.Fatalf("expected ErrNoCurrent on empty store, got: %v", err)
	}

	cfg := Default2025()
	if err := fs.SaveVersion(ctx, cfg); err != nil {
		t.Fatalf("save version: %v", err)
	}
	if err := fs.SetCurrent(ctx, cfg.Version); err != nil {
		t.Fatalf("set current: %v", err)
	}

	got, err := fs.LoadCurrent(ctx)
	if err != nil {
		t.Fatalf("load current: %v", err)
	}
	if got.Version != cfg.Version {
		t.Fatalf("current version = %s, want %s", got.Version, cfg.Version)
	}
	if !got.VerifyIntegrity() {
		t.Fatal("persisted configuration failed integrity check")
	}

	byVersion, err := fs.LoadVersion(ctx, cfg.Version)
	if err != nil {
		t.Fatalf("load version: %v", err)
	}
	if byVersion.Checksum != cfg.Checksum {
		t.Fatal("checksum changed through persistence")
	}
}

func TestFileStoreSetCurrentUnknownVersion(t *testing.T) {
	t.Parallel()

	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	err = fs.SetCurrent(context.Background(), "9999.0.0")
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got: %v", err)
	}
	if _, err := fs.LoadVersion(context.Background(), "9999.0.0"); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound on load, got: %v", err)
	}
}

func TestFileStoreListVersionsDescending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	for _, v := range []string{"2024.1.0", "2026.1.0", "2025.1.0", "2025.9.0", "2025.10.0"} {
		cfg := Default2025()
		cfg.Version = v
		if err := cfg.Seal(); err != nil {
			t.Fatalf("seal: %v", err)
		}
		if err := fs.SaveVersion(ctx, cfg); err != nil {
			t.Fatalf("save %s: %v", v, err)
		}
	}

	versions, err := fs.ListVersions(ctx)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	// 2025.10.0 must rank above 2025.9.0 despite sorting below it as text.
	want := []string{"2026.1.0", "2025.10.0", "2025.9.0", "2025.1.0", "2024.1.0"}
	if len(versions) != len(want) {
		t.Fatalf("got %d versions, want %d", len(versions), len(want))
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("versions[%d] = %s, want %s", i, versions[i], want[i])
		}
	}
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want int
	}{
		{"2025.1.0", "2025.1.0", 0},
		{"2025.9.0", "2025.10.0", -1},
		{"2025.10.0", "2025.9.0", 1},
		{"2026.1.0", "2025.12.3", 1},
		{"2025.1", "2025.1.0", 0},
		{"2025.1.1", "2025.1", 1},
		{"2025.1.0-rc1", "2025.1.0-rc2", -1},
	}
	for _, tc := range cases {
		if got := compareVersions(tc.a, tc.b); got != tc.want {
			t.Fatalf("compareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	t.Parallel()

	if _, err := NewFileStore("  "); err == nil {
		t.Fatal("expected error for blank dir")
	}
}
