package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type ratesDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists configurations in two tables: one row per version
// and a single-row current pointer. SetCurrent is a single upsert, so the
// pointer swap is atomic.
type PostgresStore struct {
	DB ratesDB
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rate_configurations (
			version    text PRIMARY KEY,
			payload    jsonb NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("rates: ensure rate_configurations: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rate_current (
			id      smallint PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			version text NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("rates: ensure rate_current: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveVersion(ctx context.Context, cfg *Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO rate_configurations (version, payload)
		VALUES ($1, $2)
		ON CONFLICT (version) DO UPDATE SET payload = EXCLUDED.payload
	`, cfg.Version, raw)
	return err
}

func (s *PostgresStore) SetCurrent(ctx context.Context, version string) error {
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO rate_current (id, version)
		SELECT 1, version FROM rate_configurations WHERE version = $1
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version
	`, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	return nil
}

func (s *PostgresStore) LoadCurrent(ctx context.Context) (*Config, error) {
	var raw []byte
	err := s.DB.QueryRow(ctx, `
		SELECT c.payload
		FROM rate_current cur
		JOIN rate_configurations c ON c.version = cur.version
		WHERE cur.id = 1
	`).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCurrent
		}
		return nil, err
	}
	return Parse(raw)
}

func (s *PostgresStore) LoadVersion(ctx context.Context, version string) (*Config, error) {
	var raw []byte
	err := s.DB.QueryRow(ctx, `
		SELECT payload FROM rate_configurations WHERE version = $1
	`, version).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return nil, err
	}
	return Parse(raw)
}

func (s *PostgresStore) ListVersions(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT version FROM rate_configurations
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Text ordering misranks multi-digit components, sort numerically here.
	sortVersionsDesc(versions)
	return versions, nil
}
