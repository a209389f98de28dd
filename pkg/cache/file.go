package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps one JSON file per entry in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the cache directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("%w: bad key %q", ErrInvalidEntry, key)
	}
	return filepath.Join(f.dir, key), nil
}

// Get reads the entry stored under key.
func (f *FileStore) Get(_ context.Context, key string) (*Entry, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Put writes e to a temporary file and renames it over the entry file, so
// readers see either the old or the new entry in full.
func (f *FileStore) Put(_ context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	p, err := f.path(e.Key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+e.Key+".*.tmp")
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("create cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("close cache temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

// Delete removes the entry under key.
func (f *FileStore) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

// Clear removes every entry and returns how many were deleted.
func (f *FileStore) Clear(ctx context.Context) (int, error) {
	return f.remove(ctx, func(*Entry) bool { return true })
}

// Prune removes entries that are expired at now or cannot be decoded.
func (f *FileStore) Prune(ctx context.Context, now time.Time) (int, error) {
	return f.remove(ctx, func(e *Entry) bool { return e == nil || e.IsExpired(now) })
}

func (f *FileStore) remove(ctx context.Context, match func(*Entry) bool) (int, error) {
	dirEntries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	removed := 0
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		e, err := f.Get(ctx, de.Name())
		if err != nil && !errors.Is(err, ErrInvalidEntry) {
			continue
		}
		if !match(e) {
			continue
		}
		if err := f.Delete(ctx, de.Name()); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
