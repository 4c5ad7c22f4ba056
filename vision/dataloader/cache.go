package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheManager caches preprocessed images by path. It can be shared between the
// train and validation loaders.
type CacheManager struct {
	cache   *lru.Cache[string, []float32]
	maxSize int

	// Statistics
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheManager creates a cache holding at most maxSize images.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxSize)
	}
	cache, err := lru.New[string, []float32](maxSize)
	if err != nil {
		return nil, err
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	if data, ok := cm.cache.Get(key); ok {
		cm.hits.Add(1)
		return data, true
	}
	cm.misses.Add(1)
	return nil, false
}

// Put adds an item to the cache, evicting the least recently used entry when full.
func (cm *CacheManager) Put(key string, data []float32) {
	cm.cache.Add(key, data)
}

// Clear clears the cache. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits := cm.hits.Load()
	misses := cm.misses.Load()

	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses) * 100
	}

	return CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
