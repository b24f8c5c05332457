// Package cache fronts the Query Engine with an LRU, TTL-bounded cache of
// traversal results, so repeated reads of the same neighborhood, path, or
// subgraph during a burst of client queries do not re-walk the Graph
// Store each time.
//
// Entries expire on TTL alone; the cache does not subscribe to graph
// writes to invalidate early; a short TTL bounds staleness instead, the
// same tradeoff the teacher's original query-plan cache made for parsed
// plans.
package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/loom-mesh/mesh/pkg/graph"
	"github.com/loom-mesh/mesh/pkg/query"
)

// QueryCache is a thread-safe, TTL-bounded LRU cache keyed by a hash of
// an operation name and its arguments. Safe for concurrent use; the
// underlying expirable.LRU owns its own locking.
type QueryCache struct {
	lru     *lru.LRU[uint64, any]
	maxSize int
	enabled atomic.Bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewQueryCache constructs a cache holding up to maxSize entries, each
// expiring ttl after insertion. ttl <= 0 disables expiration (LRU
// eviction only, matching the hashicorp/golang-lru/v2/expirable
// semantics of a non-positive TTL never expiring an entry early).
func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	c := &QueryCache{
		lru:     lru.NewLRU[uint64, any](maxSize, nil, ttl),
		maxSize: maxSize,
	}
	c.enabled.Store(true)
	return c
}

// Key hashes an operation name and its arguments into a cache key. Two
// calls with the same op and JSON-equal args produce the same key.
func (c *QueryCache) Key(op string, args ...any) uint64 {
	h := fnv.New64a()
	h.Write([]byte(op))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			// Unmarshalable argument: fall back to its type name so a key
			// still resolves instead of the whole lookup failing.
			h.Write([]byte(fmt.Sprintf("%T", a)))
			continue
		}
		h.Write(b)
	}
	return h.Sum64()
}

// Get retrieves a cached value by key.
func (c *QueryCache) Get(key uint64) (any, bool) {
	if !c.enabled.Load() {
		c.misses.Add(1)
		return nil, false
	}
	v, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v, true
}

// Put inserts or replaces the cached value for key.
func (c *QueryCache) Put(key uint64, value any) {
	if !c.enabled.Load() {
		return
	}
	c.lru.Add(key, value)
}

// Remove evicts a single key.
func (c *QueryCache) Remove(key uint64) {
	c.lru.Remove(key)
}

// Clear empties the cache.
func (c *QueryCache) Clear() {
	c.lru.Purge()
}

// Len returns the current number of cached entries.
func (c *QueryCache) Len() int {
	return c.lru.Len()
}

// SetEnabled enables or disables the cache. Disabling clears it.
func (c *QueryCache) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	if !enabled {
		c.lru.Purge()
	}
}

// CacheStats summarizes cache performance.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// Stats returns a point-in-time snapshot of cache performance.
func (c *QueryCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CachedEngine wraps a query.Engine, caching the results of its
// side-effect-free, fully-materialized operations. Callback-driven
// traversals (TraverseBFS/TraverseDFS) and FindPaths' multi-result walk
// are passed straight through uncached: a cache entry keyed on a visitor
// function isn't meaningful, and exhaustive path enumeration is rarely
// repeated with identical arguments within one TTL window.
type CachedEngine struct {
	engine *query.Engine
	cache  *QueryCache
}

// NewCachedEngine wraps engine with a cache of the given size and TTL.
func NewCachedEngine(engine *query.Engine, maxSize int, ttl time.Duration) *CachedEngine {
	return &CachedEngine{engine: engine, cache: NewQueryCache(maxSize, ttl)}
}

// Cache returns the underlying QueryCache, for Stats/Clear/SetEnabled.
func (c *CachedEngine) Cache() *QueryCache { return c.cache }

// Engine returns the wrapped query.Engine, for the uncached operations.
func (c *CachedEngine) Engine() *query.Engine { return c.engine }

func (c *CachedEngine) GetNeighbors(nodeID string, depth int, opts query.Options) ([]*graph.Node, error) {
	key := c.cache.Key("GetNeighbors", nodeID, depth, opts)
	if v, ok := c.cache.Get(key); ok {
		return v.([]*graph.Node), nil
	}
	result, err := c.engine.GetNeighbors(nodeID, depth, opts)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, result)
	return result, nil
}

func (c *CachedEngine) FindShortestPath(from, to string, opts query.Options) (*query.Path, error) {
	key := c.cache.Key("FindShortestPath", from, to, opts)
	if v, ok := c.cache.Get(key); ok {
		return v.(*query.Path), nil
	}
	result, err := c.engine.FindShortestPath(from, to, opts)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, result)
	return result, nil
}

func (c *CachedEngine) ExtractSubgraph(centerID string, nodeTypes []string, opts query.Options) (*query.Subgraph, error) {
	key := c.cache.Key("ExtractSubgraph", centerID, nodeTypes, opts)
	if v, ok := c.cache.Get(key); ok {
		return v.(*query.Subgraph), nil
	}
	result, err := c.engine.ExtractSubgraph(centerID, nodeTypes, opts)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, result)
	return result, nil
}

func (c *CachedEngine) FindConnectedComponent(nodeID string, edgeTypes []string) ([]*graph.Node, error) {
	key := c.cache.Key("FindConnectedComponent", nodeID, edgeTypes)
	if v, ok := c.cache.Get(key); ok {
		return v.([]*graph.Node), nil
	}
	result, err := c.engine.FindConnectedComponent(nodeID, edgeTypes)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, result)
	return result, nil
}
