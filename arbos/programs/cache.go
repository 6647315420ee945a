package programs

// cache.go keeps parsed modules around between runs, keyed by module hash.
// Parsing is deterministic, so a cached module is interchangeable with a
// freshly parsed one and eviction only costs time.

import (
	"sync"

	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/iosiro/arbos-go/core/types"
	"github.com/iosiro/arbos-go/metrics"
)

// DefaultCacheSize bounds the number of resident compiled modules.
const DefaultCacheSize = 1024

// ProgramCache is a thread-safe LRU of compiled modules.
type ProgramCache struct {
	mu     sync.Mutex
	lru    lru.BasicLRU[types.Hash, *module]
	hits   uint64
	misses uint64
}

// NewProgramCache creates a cache holding up to capacity modules.
func NewProgramCache(capacity int) *ProgramCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &ProgramCache{
		lru: lru.NewBasicLRU[types.Hash, *module](capacity),
	}
}

// GetOrCompile returns the module for moduleHash, parsing wasm on a miss.
// Parsing happens outside the lock so a slow compile does not serialize
// unrelated lookups; concurrent misses on the same hash both compile and
// one result wins.
func (c *ProgramCache) GetOrCompile(moduleHash types.Hash, wasm []byte, maxSize uint32) (*module, error) {
	c.mu.Lock()
	if mod, ok := c.lru.Get(moduleHash); ok {
		c.hits++
		c.mu.Unlock()
		metrics.CacheHits.Inc()
		return mod, nil
	}
	c.misses++
	c.mu.Unlock()
	metrics.CacheMisses.Inc()

	mod, err := parseModule(wasm, maxSize)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.lru.Get(moduleHash); ok {
		return cached, nil
	}
	c.lru.Add(moduleHash, mod)
	metrics.CacheModules.Set(int64(c.lru.Len()))
	return mod, nil
}

// Contains reports whether moduleHash is resident without affecting
// recency.
func (c *ProgramCache) Contains(moduleHash types.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(moduleHash)
}

// Len returns the number of resident modules.
func (c *ProgramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear evicts everything.
func (c *ProgramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	metrics.CacheModules.Set(0)
}

// Stats returns cumulative hit and miss counts.
func (c *ProgramCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
