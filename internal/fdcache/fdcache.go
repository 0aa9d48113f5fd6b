// Package fdcache implements the FD cache (spec §4.A): a bounded mapping
// from object id to an open file handle, with per-handle outstanding-I/O and
// outstanding-truncate counters that gate eviction.
package fdcache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	objectstore "github.com/localfs/objectstore"
)

// Handle owns an open *os.File plus the two counters from
// original_source/src/os/FDCache.h's FD struct: outstanding asynchronous
// I/Os and outstanding truncates. A handle cannot be closed while either is
// nonzero.
type Handle struct {
	OID  objectstore.OID
	File *os.File

	ios         atomic.Int64
	truncations atomic.Int64
	closed      atomic.Bool
}

// BeginIO increments the outstanding-I/O counter; call EndIO when done.
func (h *Handle) BeginIO() { h.ios.Add(1) }
func (h *Handle) EndIO()   { h.ios.Add(-1) }

// BeginTruncate increments the outstanding-truncate counter; call EndTruncate when done.
func (h *Handle) BeginTruncate() { h.truncations.Add(1) }
func (h *Handle) EndTruncate()   { h.truncations.Add(-1) }

func (h *Handle) outstanding() bool {
	return h.ios.Load() != 0 || h.truncations.Load() != 0
}

// Close waits (bounded by ctx) for outstanding counters to reach zero, then
// closes the underlying file. Safe to call more than once.
func (h *Handle) Close(ctx context.Context) error {
	if h.closed.Swap(true) {
		return nil
	}
	for h.outstanding() {
		objectstore.RandomSleep(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return h.File.Close()
}

// Cache maps oid -> *Handle. Two implementations share this interface: a
// sharded-LRU cache and a single-shard random-eviction cache, mirroring
// original_source/src/os/FDCache.h's two cache strategies.
type Cache interface {
	// Lookup returns an existing handle, or nil if none is cached.
	Lookup(oid objectstore.OID) *Handle
	// Add installs handle for oid. If a concurrent insertion already won,
	// the existing handle is returned and existed is true — the caller must
	// close the file it opened itself.
	Add(oid objectstore.OID, handle *Handle) (actual *Handle, existed bool)
	// Clear evicts oid's handle, if any, blocking (bounded by ctx) until its
	// counters reach zero before closing it.
	Clear(ctx context.Context, oid objectstore.OID) error
	// Resize changes the target total capacity; shards rebalance to
	// max(1, total/shards).
	Resize(total int)
}

// NewSharded returns a sharded-LRU Cache keyed by hash(oid) mod shards.
func NewSharded(shards, totalCapacity int) Cache {
	if shards < 1 {
		shards = 1
	}
	c := &shardedCache{shards: make([]*lruShard, shards)}
	per := capacityPerShard(totalCapacity, shards)
	for i := range c.shards {
		c.shards[i] = newLRUShard(per)
	}
	return c
}

func capacityPerShard(total, shards int) int {
	if shards < 1 {
		shards = 1
	}
	per := total / shards
	if per < 1 {
		per = 1
	}
	return per
}

type shardedCache struct {
	mu     sync.RWMutex
	shards []*lruShard
}

func (c *shardedCache) shardFor(oid objectstore.OID) *lruShard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shards[int(oid.Hash32())%len(c.shards)]
}

func (c *shardedCache) Lookup(oid objectstore.OID) *Handle {
	return c.shardFor(oid).lookup(oid)
}

func (c *shardedCache) Add(oid objectstore.OID, handle *Handle) (*Handle, bool) {
	return c.shardFor(oid).add(oid, handle)
}

func (c *shardedCache) Clear(ctx context.Context, oid objectstore.OID) error {
	return c.shardFor(oid).clear(ctx, oid)
}

func (c *shardedCache) Resize(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	per := capacityPerShard(total, len(c.shards))
	for _, s := range c.shards {
		s.setCapacity(per)
	}
}

// lruShard is one independently-locked LRU partition.
type lruShard struct {
	mu       sync.Mutex
	capacity int
	order    []objectstore.OID // front = most recently used
	entries  map[objectstore.OID]*Handle
}

func newLRUShard(capacity int) *lruShard {
	return &lruShard{capacity: capacity, entries: map[objectstore.OID]*Handle{}}
}

func (s *lruShard) setCapacity(c int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = c
}

func (s *lruShard) lookup(oid objectstore.OID) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.entries[oid]
	if !ok {
		return nil
	}
	s.touch(oid)
	return h
}

func (s *lruShard) touch(oid objectstore.OID) {
	for i, o := range s.order {
		if o == oid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append([]objectstore.OID{oid}, s.order...)
}

func (s *lruShard) add(oid objectstore.OID, handle *Handle) (*Handle, bool) {
	s.mu.Lock()
	if existing, ok := s.entries[oid]; ok {
		s.mu.Unlock()
		return existing, true
	}
	s.entries[oid] = handle
	s.touch(oid)
	var evicted *Handle
	if len(s.order) > s.capacity {
		victim := s.order[len(s.order)-1]
		s.order = s.order[:len(s.order)-1]
		evicted = s.entries[victim]
		delete(s.entries, victim)
	}
	s.mu.Unlock()
	if evicted != nil {
		evicted.Close(context.Background())
	}
	return handle, false
}

func (s *lruShard) clear(ctx context.Context, oid objectstore.OID) error {
	s.mu.Lock()
	h, ok := s.entries[oid]
	if ok {
		delete(s.entries, oid)
		for i, o := range s.order {
			if o == oid {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Close(ctx)
}

// NewRandom returns a single-shard, random-eviction Cache: on overflow it
// evicts an arbitrary entry instead of maintaining recency order, trading
// hit-rate precision for a cheaper add() path, mirroring the original's
// second FD-cache strategy.
func NewRandom(capacity int) Cache {
	return &randomCache{capacity: capacity, entries: map[objectstore.OID]*Handle{}}
}

type randomCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[objectstore.OID]*Handle
}

func (c *randomCache) Lookup(oid objectstore.OID) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[oid]
}

func (c *randomCache) Add(oid objectstore.OID, handle *Handle) (*Handle, bool) {
	c.mu.Lock()
	if existing, ok := c.entries[oid]; ok {
		c.mu.Unlock()
		return existing, true
	}
	c.entries[oid] = handle
	var evicted *Handle
	if len(c.entries) > c.capacity {
		for k, v := range c.entries {
			if k != oid {
				evicted = v
				delete(c.entries, k)
				break
			}
		}
	}
	c.mu.Unlock()
	if evicted != nil {
		evicted.Close(context.Background())
	}
	return handle, false
}

func (c *randomCache) Clear(ctx context.Context, oid objectstore.OID) error {
	c.mu.Lock()
	h, ok := c.entries[oid]
	if ok {
		delete(c.entries, oid)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Close(ctx)
}

func (c *randomCache) Resize(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = total
}

// waitForEmpty is used by tests that want to assert Close actually blocked
// on outstanding counters rather than racing past them.
func waitForEmpty(ctx context.Context, h *Handle, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for h.outstanding() {
		if time.Now().After(deadline) {
			return false
		}
		objectstore.RandomSleep(ctx)
	}
	return true
}
