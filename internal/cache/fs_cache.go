package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// FSCache is a filesystem-backed implementation of Cache, sharded by the
// first two hex characters of the fingerprint to keep any one directory
// from growing unbounded. Blob bookkeeping (size, last access) is recorded
// in a VacuumStore so VacuumIfNeeded can pick eviction candidates without a
// directory walk.
type FSCache struct {
	rootDir string
	vacuum  VacuumStore
}

func NewFSCache(rootDir string, vacuum VacuumStore) (*FSCache, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("fs cache: create root dir %s: %w", rootDir, err)
	}
	return &FSCache{rootDir: rootDir, vacuum: vacuum}, nil
}

func (c *FSCache) shardPath(fingerprint, format string) (dir, path string) {
	shard := "xx"
	if len(fingerprint) >= 2 {
		shard = fingerprint[:2]
	}
	dir = filepath.Join(c.rootDir, shard)
	path = filepath.Join(dir, fingerprint+"."+format)
	return dir, path
}

// Store writes bytes durably before returning: the file is written to a
// temp path in the same directory and renamed into place, so a concurrent
// Fetch never observes a partial write.
func (c *FSCache) Store(ctx context.Context, fingerprint string, bytes []byte, format string) (string, error) {
	dir, path := c.shardPath(fingerprint, format)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store %s: mkdir: %w", fingerprint, err)
	}

	tmp, err := os.CreateTemp(dir, fingerprint+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("store %s: create temp: %w", fingerprint, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(bytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("store %s: write: %w", fingerprint, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("store %s: sync: %w", fingerprint, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store %s: close: %w", fingerprint, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store %s: rename into place: %w", fingerprint, err)
	}

	if c.vacuum != nil {
		if err := c.vacuum.RecordBlob(ctx, fingerprint, int64(len(bytes))); err != nil {
			// Bookkeeping failure does not undo a successful, durable
			// write; vacuum simply won't know about this blob until the
			// next successful record.
			slog.Warn("[FSCache] failed to record blob for vacuum bookkeeping", "fingerprint", fingerprint, "error", err)
		}
	}

	return fingerprint, nil
}

func (c *FSCache) Fetch(ctx context.Context, fingerprint string) ([]byte, error) {
	matches, err := filepath.Glob(filepath.Join(c.rootDir, fingerprint[:minInt(2, len(fingerprint))], fingerprint+".*"))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: glob: %w", fingerprint, err)
	}
	// Exclude any dangling temp files from an interrupted Store.
	var path string
	for _, m := range matches {
		if filepath.Ext(m) != ".tmp" {
			path = m
			break
		}
	}
	if path == "" {
		return nil, ErrNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch %s: open: %w", fingerprint, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read: %w", fingerprint, err)
	}

	if c.vacuum != nil {
		if err := c.vacuum.TouchBlob(ctx, fingerprint); err != nil {
			slog.Warn("[FSCache] failed to record access for vacuum bookkeeping", "fingerprint", fingerprint, "error", err)
		}
	}

	return data, nil
}

func (c *FSCache) VacuumIfNeeded(ctx context.Context, bloatThreshold float64) error {
	if c.vacuum == nil {
		return nil
	}
	candidates, err := c.vacuum.BloatRatio(ctx)
	if err != nil {
		return fmt.Errorf("vacuum: bloat ratio: %w", err)
	}
	if candidates < bloatThreshold {
		return nil
	}

	stale, err := c.vacuum.StaleBlobs(ctx)
	if err != nil {
		return fmt.Errorf("vacuum: stale blobs: %w", err)
	}
	for _, fp := range stale {
		dir := filepath.Join(c.rootDir, fp[:minInt(2, len(fp))])
		matches, globErr := filepath.Glob(filepath.Join(dir, fp+".*"))
		if globErr != nil {
			slog.Warn("[FSCache] vacuum glob failed", "fingerprint", fp, "error", globErr)
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				slog.Warn("[FSCache] vacuum failed to remove blob", "path", m, "error", err)
				continue
			}
		}
		if err := c.vacuum.ForgetBlob(ctx, fp); err != nil {
			slog.Warn("[FSCache] vacuum failed to clear bookkeeping", "fingerprint", fp, "error", err)
		}
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
