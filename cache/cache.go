// Package cache keeps message bodies on local disk, keyed by content hash,
// so repeated FETCH and RETR calls do not round-trip to the database or S3.
// A small sqlite index tracks size and access time for LRU purging.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	_ "modernc.org/sqlite"
)

const DataDir = "data"
const IndexDB = "cache_index.db"

// ErrTooLarge is returned by Put when the body exceeds the per-object limit.
var ErrTooLarge = errors.New("object exceeds cache object size limit")

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	staleAge      time.Duration
	db            *sql.DB
	mu            sync.Mutex
}

// Close closes the cache index database.
func (c *Cache) Close() error {
	if c.db != nil {
		logger.Info("Cache: closing index database")
		return c.db.Close()
	}
	return nil
}

// New opens (or creates) a cache rooted at basePath. Entries not accessed
// within staleAge are purged by the purge loop; zero disables age purging.
func New(basePath string, maxSizeBytes, maxObjectSize int64, purgeInterval, staleAge time.Duration) (*Cache, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}
	basePath = filepath.Clean(basePath)

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Cache: failed to enable WAL journal mode", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_mod_time ON cache_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache DB ping failed: %w", err)
	}

	if purgeInterval <= 0 {
		purgeInterval = 12 * time.Hour
	}

	return &Cache{
		basePath:      basePath,
		capacity:      maxSizeBytes,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		staleAge:      staleAge,
		db:            db,
	}, nil
}

// Get returns the cached body for contentHash. A miss is reported as an
// error satisfying errors.Is(err, os.ErrNotExist).
func (c *Cache) Get(contentHash string) ([]byte, error) {
	path := c.PathFor(contentHash)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		} else {
			metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		}
		return nil, err
	}
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()

	c.mu.Lock()
	if _, err := c.db.Exec(`UPDATE cache_index SET mod_time = ? WHERE path = ?`, time.Now(), path); err != nil {
		logger.Debug("Cache: failed to touch index entry", "path", path, "error", err)
	}
	c.mu.Unlock()
	return data, nil
}

func (c *Cache) Put(contentHash string, data []byte) error {
	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		metrics.CacheOperationsTotal.WithLabelValues("put", "skipped").Inc()
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), c.maxObjectSize)
	}

	path := c.PathFor(contentHash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}

	if err := os.Rename(tempFile.Name(), path); err != nil {
		if !os.IsExist(err) {
			metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
			return fmt.Errorf("failed to move temporary file to final cache location %s: %w", path, err)
		}
		logger.Debug("Cache: file appeared during rename", "path", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trackFile(path); err != nil {
		return fmt.Errorf("failed to track cache file %s: %w", path, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
	logger.Debug("Cache: stored object", "hash", contentHash, "size", len(data))
	return nil
}

// Exists consults the index rather than the filesystem.
func (c *Cache) Exists(contentHash string) (bool, error) {
	path := c.PathFor(contentHash)
	c.mu.Lock()
	defer c.mu.Unlock()

	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_index WHERE path = ?`, path).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query cache index: %w", err)
	}
	return count > 0, nil
}

func (c *Cache) Delete(contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.PathFor(contentHash)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file %s: %w", path, err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove index entry for path %s: %w", path, err)
	}
	removeEmptyParents(path, filepath.Join(c.basePath, DataDir))
	metrics.CacheOperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

func (c *Cache) trackFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`, path, info.Size(), time.Now())
	return err
}

func removeEmptyParents(path string, stopAt string) {
	for {
		dir := filepath.Dir(path)
		if dir == stopAt || dir == "." || dir == "/" {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		path = dir
	}
}

// SyncFromDisk rebuilds the index from the files present under the data
// directory and drops index rows whose file is gone.
func (c *Cache) SyncFromDisk(ctx context.Context) error {
	type fileStat struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileStat

	dataDir := filepath.Join(c.basePath, DataDir)
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			logger.Warn("Cache: stat failed during sync", "path", path, "error", statErr)
			return nil
		}
		files = append(files, fileStat{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache directory: %w", err)
	}

	if len(files) > 0 {
		c.mu.Lock()
		err := func() error {
			tx, err := c.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("failed to begin transaction for disk sync: %w", err)
			}
			defer tx.Rollback()

			stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("failed to prepare statement for disk sync: %w", err)
			}
			defer stmt.Close()

			for _, f := range files {
				if _, err := stmt.ExecContext(ctx, f.path, f.size, f.modTime); err != nil {
					logger.Warn("Cache: failed to index file during sync", "path", f.path, "error", err)
				}
			}
			return tx.Commit()
		}()
		c.mu.Unlock()
		if err != nil {
			return err
		}
		logger.Info("Cache: index synced from disk", "files", len(files))
	}

	if err := c.RemoveStaleEntries(ctx); err != nil {
		return fmt.Errorf("failed to remove stale index entries after sync: %w", err)
	}
	return c.cleanupEmptyDirectories()
}

// StartPurgeLoop runs a purge cycle immediately and then every purge
// interval until ctx is cancelled.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		c.runPurgeCycle(ctx)

		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runPurgeCycle(ctx)
			}
		}
	}()
}

func (c *Cache) runPurgeCycle(ctx context.Context) {
	if err := c.PurgeIfNeeded(ctx); err != nil {
		logger.Warn("Cache: capacity purge failed", "error", err)
	}
	if err := c.PurgeOlderThan(ctx, c.staleAge); err != nil {
		logger.Warn("Cache: age purge failed", "error", err)
	}
	if err := c.RemoveStaleEntries(ctx); err != nil {
		logger.Warn("Cache: stale entry cleanup failed", "error", err)
	}
}

func (c *Cache) cleanupEmptyDirectories() error {
	dataDir := filepath.Join(c.basePath, DataDir)
	return filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			var pathErr *fs.PathError
			if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() || path == dataDir {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, syscall.EEXIST) {
			logger.Warn("Cache: unexpected error removing directory", "path", path, "error", err)
		}
		return nil
	})
}

// PurgeIfNeeded removes the least recently used entries until the total
// indexed size is back within capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	if c.capacity <= 0 {
		return nil
	}
	candidates, err := c.purgeCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to get purge candidates: %w", err)
	}
	return c.purge(ctx, "capacity", candidates)
}

// PurgeOlderThan removes entries not accessed within age.
func (c *Cache) PurgeOlderThan(ctx context.Context, age time.Duration) error {
	if age <= 0 {
		return nil
	}
	threshold := time.Now().Add(-age)

	c.mu.Lock()
	paths, err := c.queryPaths(ctx, `SELECT path FROM cache_index WHERE mod_time < ?`, threshold)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.purge(ctx, "age", paths)
}

// RemoveStaleEntries drops index rows whose file no longer exists.
func (c *Cache) RemoveStaleEntries(ctx context.Context) error {
	c.mu.Lock()
	paths, err := c.queryPaths(ctx, `SELECT path FROM cache_index`)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	var stale []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			stale = append(stale, p)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := c.removeIndexEntries(ctx, stale); err != nil {
		return err
	}
	logger.Info("Cache: removed stale index entries", "count", len(stale))
	return nil
}

func (c *Cache) purge(ctx context.Context, reason string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	var removed []string
	for _, p := range paths {
		if err := os.Remove(p); err == nil || errors.Is(err, os.ErrNotExist) {
			removed = append(removed, p)
		} else {
			logger.Warn("Cache: failed to remove file during purge", "path", p, "error", err)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	if err := c.removeIndexEntries(ctx, removed); err != nil {
		return fmt.Errorf("failed to remove purged files from index: %w", err)
	}

	dataDir := filepath.Join(c.basePath, DataDir)
	for _, p := range removed {
		removeEmptyParents(p, dataDir)
	}
	metrics.CacheOperationsTotal.WithLabelValues("purge", reason).Add(float64(len(removed)))
	logger.Info("Cache: purged entries", "reason", reason, "count", len(removed))
	return nil
}

func (c *Cache) purgeCandidates(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalSize int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&totalSize); err != nil {
		return nil, fmt.Errorf("failed to get total cache size: %w", err)
	}
	if totalSize <= c.capacity {
		return nil, nil
	}
	amountToFree := totalSize - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT path, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query for purge candidates: %w", err)
	}
	defer rows.Close()

	var paths []string
	var freed int64
	for rows.Next() {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			return nil, err
		}
		paths = append(paths, path)
		freed += size
		if freed >= amountToFree {
			break
		}
	}
	return paths, rows.Err()
}

// queryPaths must be called with c.mu held.
func (c *Cache) queryPaths(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache index: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (c *Cache) removeIndexEntries(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for index removal: %w", err)
	}
	defer tx.Rollback()

	// Paths are generated internally.
	query := `DELETE FROM cache_index WHERE path IN (?` + strings.Repeat(",?", len(paths)-1) + `)`
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to batch delete from index: %w", err)
	}
	return tx.Commit()
}

// PathFor maps a content hash to its on-disk location, fanning out on the
// first two byte pairs of the hash.
func (c *Cache) PathFor(contentHash string) string {
	if len(contentHash) < 5 {
		return filepath.Join(c.basePath, DataDir, contentHash)
	}
	return filepath.Join(c.basePath, DataDir, contentHash[:2], contentHash[2:4], contentHash[4:])
}

// GetStats returns the number of indexed objects and their total size.
func (c *Cache) GetStats() (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var objectCount, totalSize int64
	row := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`)
	if err := row.Scan(&objectCount, &totalSize); err != nil {
		return 0, 0, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return objectCount, totalSize, nil
}

// PurgeAll removes every cached object and clears the index.
func (c *Cache) PurgeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dataDir := filepath.Join(c.basePath, DataDir)
	if err := os.RemoveAll(dataDir); err != nil {
		return fmt.Errorf("failed to remove cache data directory %s: %w", dataDir, err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to recreate cache data directory %s: %w", dataDir, err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index`); err != nil {
		return fmt.Errorf("failed to clear cache index: %w", err)
	}
	logger.Info("Cache: purged all objects")
	return nil
}
