package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// VacuumStore tracks per-fingerprint blob size and last-access time so
// VacuumIfNeeded can pick eviction candidates without walking the cache
// directory tree.
type VacuumStore interface {
	RecordBlob(ctx context.Context, fingerprint string, sizeBytes int64) error
	TouchBlob(ctx context.Context, fingerprint string) error
	BloatRatio(ctx context.Context) (float64, error)
	StaleBlobs(ctx context.Context) ([]string, error)
	ForgetBlob(ctx context.Context, fingerprint string) error
	Close() error
}

// PostgresVacuumStore persists blob bookkeeping in a dedicated table on the
// same Postgres instance backing the billing store. It opens its own small
// pool rather than sharing the billing consumer's, since vacuum runs on an
// independent schedule from billing writes.
type PostgresVacuumStore struct {
	db            *sql.DB
	staleAfter    time.Duration
}

func NewPostgresVacuumStore(dsn string) (*PostgresVacuumStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("vacuum store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vacuum store: ping: %w", err)
	}
	db.SetMaxOpenConns(2)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_blob_stats (
			fingerprint TEXT PRIMARY KEY,
			size_bytes BIGINT NOT NULL,
			last_access TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("vacuum store: ensure table: %w", err)
	}

	return &PostgresVacuumStore{db: db, staleAfter: 30 * 24 * time.Hour}, nil
}

func (s *PostgresVacuumStore) Close() error {
	return s.db.Close()
}

func (s *PostgresVacuumStore) RecordBlob(ctx context.Context, fingerprint string, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_blob_stats (fingerprint, size_bytes, last_access)
		VALUES ($1, $2, now())
		ON CONFLICT (fingerprint) DO UPDATE SET size_bytes = EXCLUDED.size_bytes, last_access = now()
	`, fingerprint, sizeBytes)
	if err != nil {
		return fmt.Errorf("record blob %s: %w", fingerprint, err)
	}
	return nil
}

func (s *PostgresVacuumStore) TouchBlob(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cache_blob_stats SET last_access = now() WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("touch blob %s: %w", fingerprint, err)
	}
	return nil
}

// BloatRatio returns the fraction of tracked blobs that are stale. A
// dedicated bookkeeping table lets this be a cheap aggregate query instead
// of a directory walk.
func (s *PostgresVacuumStore) BloatRatio(ctx context.Context) (float64, error) {
	var total, stale int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM cache_blob_stats`).Scan(&total); err != nil {
		return 0, fmt.Errorf("bloat ratio: count total: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM cache_blob_stats WHERE last_access < $1`, time.Now().Add(-s.staleAfter)).Scan(&stale); err != nil {
		return 0, fmt.Errorf("bloat ratio: count stale: %w", err)
	}
	return float64(stale) / float64(total), nil
}

func (s *PostgresVacuumStore) StaleBlobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint FROM cache_blob_stats WHERE last_access < $1`, time.Now().Add(-s.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("stale blobs: query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("stale blobs: scan: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (s *PostgresVacuumStore) ForgetBlob(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_blob_stats WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("forget blob %s: %w", fingerprint, err)
	}
	return nil
}
