package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNoCurrent       = errors.New("rates: no current configuration")
	ErrVersionNotFound = errors.New("rates: version not found")
)

// VersionStore persists one record per configuration version plus a "current"
// pointer. Versions are never deleted by this subsystem.
type VersionStore interface {
	SaveVersion(ctx context.Context, cfg *Config) error
	SetCurrent(ctx context.Context, version string) error
	LoadCurrent(ctx context.Context) (*Config, error)
	LoadVersion(ctx context.Context, version string) (*Config, error)
	ListVersions(ctx context.Context) ([]string, error)
}

// FileStore keeps one JSON file per version plus current.json. Writes go to a
// temp file first and are renamed into place so the current pointer swap is
// atomic.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("rates: store dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rates: create store dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) versionPath(version string) string {
	return filepath.Join(s.Dir, "rates-"+version+".json")
}

func (s *FileStore) currentPath() string {
	return filepath.Join(s.Dir, "current.json")
}

func (s *FileStore) SaveVersion(ctx context.Context, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return s.writeAtomic(s.versionPath(cfg.Version), raw)
}

func (s *FileStore) SetCurrent(ctx context.Context, version string) error {
	raw, err := os.ReadFile(s.versionPath(version))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return err
	}
	return s.writeAtomic(s.currentPath(), raw)
}

func (s *FileStore) LoadCurrent(ctx context.Context) (*Config, error) {
	raw, err := os.ReadFile(s.currentPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCurrent
		}
		return nil, err
	}
	return Parse(raw)
}

func (s *FileStore) LoadVersion(ctx context.Context, version string) (*Config, error) {
	raw, err := os.ReadFile(s.versionPath(version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return nil, err
	}
	return Parse(raw)
}

func (s *FileStore) ListVersions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "rates-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		versions = append(versions, strings.TrimSuffix(strings.TrimPrefix(name, "rates-"), ".json"))
	}
	sortVersionsDesc(versions)
	return versions, nil
}

// sortVersionsDesc orders versions newest first, comparing dotted
// components numerically so 2025.10.0 ranks above 2025.9.0.
func sortVersionsDesc(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) > 0
	})
}

func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		ap, bp := "0", "0"
		if i < len(as) {
			ap = as[i]
		}
		if i < len(bs) {
			bp = bs[i]
		}
		an, aErr := strconv.Atoi(ap)
		bn, bErr := strconv.Atoi(bp)
		if aErr == nil && bErr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if ap != bp {
			if ap < bp {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (s *FileStore) writeAtomic(path string, raw []byte) error {
	tmp, err := os.CreateTemp(s.Dir, ".rates-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
