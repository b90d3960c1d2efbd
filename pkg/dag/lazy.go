package dag

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"syncdb/pkg/chunk"
	"syncdb/pkg/hash"
)

// DefaultWorkingCacheBytes is the default byte ceiling for a LazyDag's chunk
// cache (spec.md §5 resource bounds).
const DefaultWorkingCacheBytes = 100 * 1024 * 1024

// DefaultRecoveryCacheBytes is the default ceiling for a recovery-scratch
// LazyDag (spec.md §5).
const DefaultRecoveryCacheBytes = 10 * 1024 * 1024

// LazyDag is a read-through cached overlay over a persistent Store
// (spec.md §4.D). Locally staged chunks and heads are visible immediately
// to this overlay without being written to the source; Persist (see
// pkg/persist) is what bridges staged state back to the source.
type LazyDag struct {
	source *Store

	mu           sync.Mutex
	staged       map[hash.Hash]chunk.Chunk
	stagedHeads  map[string]hash.Hash
	cache        *lru.Cache[hash.Hash, chunk.Chunk]
	cacheBytes   int
	maxBytes     int
	sizeByHash   map[hash.Hash]int
}

// NewLazyDag creates a LazyDag reading through to source, with a cache
// bounded by maxBytes of estimated chunk payload size.
func NewLazyDag(source *Store, maxBytes int) *LazyDag {
	// The underlying LRU is sized generously by entry count (eviction is
	// driven by our own byte accounting in insertCache);
	// the library's count-based eviction is a backstop only.
	cache, _ := lru.New[hash.Hash, chunk.Chunk](1 << 20)
	return &LazyDag{
		source:      source,
		staged:      make(map[hash.Hash]chunk.Chunk),
		stagedHeads: make(map[string]hash.Hash),
		cache:       cache,
		maxBytes:    maxBytes,
		sizeByHash:  make(map[hash.Hash]int),
	}
}

// PutChunk inserts a chunk into the staging area only; it is not written to
// the source until Persist.
func (d *LazyDag) PutChunk(c chunk.Chunk) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.staged[c.Hash()] = c
}

// GetChunk checks staging, then the cache, then the source (populating the
// cache on a source hit).
func (d *LazyDag) GetChunk(h hash.Hash) (chunk.Chunk, error) {
	d.mu.Lock()
	if c, ok := d.staged[h]; ok {
		d.mu.Unlock()
		return c, nil
	}
	if c, ok := d.cache.Get(h); ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	c, err := d.source.GetChunk(h)
	if err != nil {
		return chunk.Chunk{}, err
	}

	d.mu.Lock()
	d.insertCache(c)
	d.mu.Unlock()
	return c, nil
}

// insertCache adds c to the cache, evicting least-recently-used entries
// until the configured byte ceiling is satisfied. Caller holds d.mu.
func (d *LazyDag) insertCache(c chunk.Chunk) {
	size := estimateSize(c)
	if size > d.maxBytes {
		// Larger than the entire cache budget: don't cache it, just serve it
		// once. This keeps a single oversized chunk from thrashing the cache.
		return
	}
	for d.cacheBytes+size > d.maxBytes && d.cache.Len() > 0 {
		evictedHash, _, ok := d.cache.RemoveOldest()
		if !ok {
			break
		}
		d.cacheBytes -= d.sizeByHash[evictedHash]
		delete(d.sizeByHash, evictedHash)
	}
	d.cache.Add(c.Hash(), c)
	d.sizeByHash[c.Hash()] = size
	d.cacheBytes += size
}

func estimateSize(c chunk.Chunk) int {
	data, err := c.Encode()
	if err != nil {
		return 0
	}
	return len(data) + len(c.Refs())*32
}

// GetHead returns a head, seeing staged changes first, falling through to
// the source. Setting a head in the lazy dag never mutates the source
// (spec.md §4.D).
func (d *LazyDag) GetHead(name string) (hash.Hash, error) {
	d.mu.Lock()
	if h, ok := d.stagedHeads[name]; ok {
		d.mu.Unlock()
		return h, nil
	}
	d.mu.Unlock()
	return d.source.GetHead(name)
}

// SetHead stages a head change locally.
func (d *LazyDag) SetHead(name string, h hash.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stagedHeads[name] = h
}

// ChunksOnlyInLazy returns every staged chunk not present in the source,
// used by the persister (spec.md §4.D, §4.I) to compute what to flush.
func (d *LazyDag) ChunksOnlyInLazy() []chunk.Chunk {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]chunk.Chunk, 0, len(d.staged))
	for _, c := range d.staged {
		if _, err := d.source.GetChunk(c.Hash()); err != nil {
			out = append(out, c)
		}
	}
	return out
}

// StagedHead returns the locally-staged value of a head without falling
// through to the source, and whether it has been locally set at all.
func (d *LazyDag) StagedHead(name string) (hash.Hash, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.stagedHeads[name]
	return h, ok
}

// CacheBytes reports the current estimated cache occupancy, for tests and
// operational introspection.
func (d *LazyDag) CacheBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cacheBytes
}
