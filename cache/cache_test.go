package cache

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, capacity int64, maxObjectSize int64) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), capacity, maxObjectSize, 100*time.Millisecond, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})
	return c
}

func randomDataAndHash(t *testing.T, size int) ([]byte, string) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data, helpers.HashContent(data)
}

func fileExists(c *Cache, hash string) bool {
	_, err := os.Stat(c.PathFor(hash))
	return err == nil
}

func TestNewCache(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		c := newTestCache(t, 1024, 512)
		assert.DirExists(t, filepath.Join(c.basePath, DataDir))
		assert.FileExists(t, filepath.Join(c.basePath, IndexDB))
	})

	t.Run("empty base path", func(t *testing.T) {
		_, err := New("  ", 1024, 512, time.Minute, time.Hour)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache base path cannot be empty")
	})
}

func TestPutGetExistsDelete(t *testing.T) {
	c := newTestCache(t, 1024, 512)
	data, hash := randomDataAndHash(t, 100)

	_, err := c.Get(hash)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, c.Put(hash, data))

	got, err := c.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := c.Exists(hash)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(hash))

	exists, err = c.Exists(hash)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = c.Get(hash)
	assert.Error(t, err)

	// deleting a missing entry is not an error
	assert.NoError(t, c.Delete(hash))
}

func TestDelete_RemovesEmptyParents(t *testing.T) {
	c := newTestCache(t, 1024, 512)
	hash := "aabb111111111111111111111111111111111111111111111111111111111111"

	require.NoError(t, c.Put(hash, []byte("hello")))
	path := c.PathFor(hash)
	require.NoError(t, c.Delete(hash))

	_, err := os.Stat(filepath.Dir(filepath.Dir(path)))
	assert.True(t, os.IsNotExist(err))
}

func TestPut_ObjectTooLarge(t *testing.T) {
	c := newTestCache(t, 1024, 100)
	data, hash := randomDataAndHash(t, 101)

	err := c.Put(hash, data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, fileExists(c, hash))
}

func TestConcurrentPut(t *testing.T) {
	c := newTestCache(t, 1024, 512)
	data, hash := randomDataAndHash(t, 100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Put(hash, data)
		}()
	}
	wg.Wait()

	exists, err := c.Exists(hash)
	require.NoError(t, err)
	assert.True(t, exists)

	count, size, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(100), size)
}

func TestPurgeIfNeeded(t *testing.T) {
	c := newTestCache(t, 100, 50)
	ctx := context.Background()

	data1, hash1 := randomDataAndHash(t, 50)
	require.NoError(t, c.Put(hash1, data1))
	time.Sleep(10 * time.Millisecond)
	data2, hash2 := randomDataAndHash(t, 50)
	require.NoError(t, c.Put(hash2, data2))

	require.NoError(t, c.PurgeIfNeeded(ctx))
	assert.True(t, fileExists(c, hash1))
	assert.True(t, fileExists(c, hash2))

	time.Sleep(10 * time.Millisecond)
	data3, hash3 := randomDataAndHash(t, 20)
	require.NoError(t, c.Put(hash3, data3))
	require.NoError(t, c.PurgeIfNeeded(ctx))

	assert.False(t, fileExists(c, hash1))
	assert.True(t, fileExists(c, hash2))
	assert.True(t, fileExists(c, hash3))

	_, size, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(70), size)
}

func TestPurgeIfNeeded_GetUpdatesRecency(t *testing.T) {
	c := newTestCache(t, 100, 50)
	ctx := context.Background()

	data1, hash1 := randomDataAndHash(t, 50)
	data2, hash2 := randomDataAndHash(t, 50)
	data3, hash3 := randomDataAndHash(t, 20)

	require.NoError(t, c.Put(hash1, data1))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Put(hash2, data2))
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(hash1)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.Put(hash3, data3))
	require.NoError(t, c.PurgeIfNeeded(ctx))

	assert.False(t, fileExists(c, hash2))
	assert.True(t, fileExists(c, hash1))
	assert.True(t, fileExists(c, hash3))
}

func TestPurgeOlderThan(t *testing.T) {
	c := newTestCache(t, 1024, 512)
	ctx := context.Background()

	data1, hash1 := randomDataAndHash(t, 10)
	require.NoError(t, c.Put(hash1, data1))
	time.Sleep(50 * time.Millisecond)
	data2, hash2 := randomDataAndHash(t, 10)
	require.NoError(t, c.Put(hash2, data2))

	require.NoError(t, c.PurgeOlderThan(ctx, 25*time.Millisecond))
	assert.False(t, fileExists(c, hash1))
	assert.True(t, fileExists(c, hash2))

	require.NoError(t, c.PurgeOlderThan(ctx, 0))
	assert.True(t, fileExists(c, hash2))
}

func TestSyncFromDiskAndStaleEntries(t *testing.T) {
	c := newTestCache(t, 1024, 512)
	ctx := context.Background()

	data1, hash1 := randomDataAndHash(t, 10)
	path1 := c.PathFor(hash1)
	require.NoError(t, os.MkdirAll(filepath.Dir(path1), 0755))
	require.NoError(t, os.WriteFile(path1, data1, 0644))

	data2, hash2 := randomDataAndHash(t, 10)
	require.NoError(t, c.Put(hash2, data2))
	require.NoError(t, os.Remove(c.PathFor(hash2)))

	require.NoError(t, c.SyncFromDisk(ctx))

	exists, err := c.Exists(hash1)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.Exists(hash2)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPurgeAll(t *testing.T) {
	c := newTestCache(t, 1024, 512)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data, hash := randomDataAndHash(t, 10)
		require.NoError(t, c.Put(hash, data))
	}

	require.NoError(t, c.PurgeAll(ctx))

	count, size, err := c.GetStats()
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, size)
	assert.DirExists(t, filepath.Join(c.basePath, DataDir))
}

func TestPathFor(t *testing.T) {
	c := newTestCache(t, 1024, 512)

	tests := []struct {
		name string
		hash string
		want string
	}{
		{"full hash", "abcdef0123", filepath.Join(c.basePath, DataDir, "ab", "cd", "ef0123")},
		{"short hash", "abcd", filepath.Join(c.basePath, DataDir, "abcd")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.PathFor(tt.hash))
		})
	}
}

func TestStartPurgeLoop(t *testing.T) {
	c := newTestCache(t, 60, 50)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data1, hash1 := randomDataAndHash(t, 50)
	require.NoError(t, c.Put(hash1, data1))
	time.Sleep(10 * time.Millisecond)
	data2, hash2 := randomDataAndHash(t, 50)
	require.NoError(t, c.Put(hash2, data2))

	c.StartPurgeLoop(ctx)

	assert.Eventually(t, func() bool {
		return !fileExists(c, hash1)
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, fileExists(c, hash2))
}
