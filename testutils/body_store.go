package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBodyStore stores objects as files under a base directory. It
// satisfies db.BodyStore and can be told to fail for specific keys.
type FileBodyStore struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error
	puts    int
}

func NewFileBodyStore(baseDir string) (*FileBodyStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBodyStore{baseDir: baseDir, errors: make(map[string]error)}, nil
}

func (m *FileBodyStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errors[key]; ok {
		return err
	}
	path := m.keyToFilePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	m.puts++
	return nil
}

func (m *FileBodyStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err, ok := m.errors[key]; ok {
		return nil, err
	}
	data, err := os.ReadFile(m.keyToFilePath(key))
	if err != nil {
		return nil, fmt.Errorf("object not found: %s: %w", key, err)
	}
	return data, nil
}

func (m *FileBodyStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.keyToFilePath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetError makes every operation on key fail with err.
func (m *FileBodyStore) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// PutCount returns the number of successful uploads.
func (m *FileBodyStore) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Keys lists the stored object keys.
func (m *FileBodyStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	filepath.WalkDir(m.baseDir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			rel, _ := filepath.Rel(m.baseDir, path)
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	return keys
}

func (m *FileBodyStore) keyToFilePath(key string) string {
	key = strings.TrimPrefix(key, "/")
	return filepath.Join(m.baseDir, filepath.FromSlash(key))
}
