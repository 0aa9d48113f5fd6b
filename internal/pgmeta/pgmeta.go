// Package pgmeta implements the pgmeta coalescer (spec §4.C): a small-key
// write coalescer, sharded by object hash, that batches many tiny
// attr/omap-key updates into one write-back unit per shard instead of one
// per key.
package pgmeta

import (
	"sort"
	"sync"

	objectstore "github.com/localfs/objectstore"
)

// KeyValue is one coalesced key/value pair pending write-back.
type KeyValue struct {
	Key   string
	Value []byte
	At    objectstore.Spos
}

// Coalescer batches per-object key/value updates into per-shard buckets,
// grounded on the teacher's hash-sharded dispatch shape, repurposed here
// from whole handle records to individual small keys.
type Coalescer struct {
	shards []*shard
}

type shard struct {
	mu   sync.Mutex
	objs map[objectstore.OID]*objectKeys
	// cid remembers the owning collection of each pending object, refreshed
	// on every SetKeys call, so a full-shard flush (commit engine, spec
	// §4.H step 7) can rebuild the KV namespace without the caller having
	// to thread cid through SubmitShardIndex separately.
	cid map[objectstore.OID]string
}

type objectKeys struct {
	keys map[string]KeyValue
	// order preserves insertion order for deterministic GetAll iteration,
	// matching the original's per-object key list semantics.
	order []string
}

// New builds a Coalescer with the given number of shards.
func New(shards int) *Coalescer {
	if shards < 1 {
		shards = 1
	}
	c := &Coalescer{shards: make([]*shard, shards)}
	for i := range c.shards {
		c.shards[i] = &shard{objs: map[objectstore.OID]*objectKeys{}, cid: map[objectstore.OID]string{}}
	}
	return c
}

func (c *Coalescer) shardFor(oid objectstore.OID) *shard {
	return c.shards[int(oid.Hash32())%len(c.shards)]
}

// NumShards reports the shard count, used by the commit engine to iterate
// every shard for a full flush (spec §4.H step 7).
func (c *Coalescer) NumShards() int { return len(c.shards) }

// ShardEntry is one object's pending keys plus the collection it was staged
// under, returned by SubmitShardIndex for a whole-shard write-back pass.
type ShardEntry struct {
	CID  string
	OID  objectstore.OID
	Keys []KeyValue
}

// SubmitShardIndex drains and returns every object's pending keys in shard i
// for a write-back pass that flushes a whole shard at once (spec §4.H step
// 7's "flush every pgmeta shard").
func (c *Coalescer) SubmitShardIndex(i int) []ShardEntry {
	s := c.shards[i]
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ShardEntry, 0, len(s.objs))
	for o, ok := range s.objs {
		kvs := make([]KeyValue, 0, len(ok.order))
		for _, k := range ok.order {
			kvs = append(kvs, ok.keys[k])
		}
		out = append(out, ShardEntry{CID: s.cid[o], OID: o, Keys: kvs})
	}
	s.objs = map[objectstore.OID]*objectKeys{}
	s.cid = map[objectstore.OID]string{}
	return out
}

func (ok *objectKeys) setKey(kv KeyValue) {
	existing, present := ok.keys[kv.Key]
	if present && existing.At.Compare(kv.At) >= 0 {
		return
	}
	if !present {
		ok.order = append(ok.order, kv.Key)
	}
	ok.keys[kv.Key] = kv
}

func (ok *objectKeys) eraseKey(key string, at objectstore.Spos) {
	existing, present := ok.keys[key]
	if present && existing.At.Compare(at) >= 0 {
		return
	}
	delete(ok.keys, key)
	for i, k := range ok.order {
		if k == key {
			ok.order = append(ok.order[:i], ok.order[i+1:]...)
			break
		}
	}
}

// SetKeys coalesces the given key/value writes into oid's shard bucket,
// remembering cid as the collection to flush this object's keys under.
func (c *Coalescer) SetKeys(cid objectstore.CID, oid objectstore.OID, kvs []KeyValue) {
	s := c.shardFor(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, present := s.objs[oid]
	if !present {
		ok = &objectKeys{keys: map[string]KeyValue{}}
		s.objs[oid] = ok
	}
	s.cid[oid] = cid.String()
	for _, kv := range kvs {
		ok.setKey(kv)
	}
}

// EraseKeys removes the named keys from oid's shard bucket, each guarded by
// its own spos so a stale erase can't clobber a newer set.
func (c *Coalescer) EraseKeys(cid objectstore.CID, oid objectstore.OID, keys []string, at objectstore.Spos) {
	s := c.shardFor(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, present := s.objs[oid]
	if !present {
		return
	}
	s.cid[oid] = cid.String()
	for _, k := range keys {
		ok.eraseKey(k, at)
	}
}

// ErasePgmetaKey discards all pending state for oid unconditionally (spec
// §4.C: "used on object removal" — unlike EraseKeys, a removed object's
// coalesced state is gone regardless of spos ordering).
func (c *Coalescer) ErasePgmetaKey(oid objectstore.OID) {
	s := c.shardFor(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objs, oid)
	delete(s.cid, oid)
}

// GetAll returns oid's coalesced keys in insertion order.
func (c *Coalescer) GetAll(oid objectstore.OID) []KeyValue {
	s := c.shardFor(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, present := s.objs[oid]
	if !present {
		return nil
	}
	out := make([]KeyValue, 0, len(ok.order))
	for _, k := range ok.order {
		out = append(out, ok.keys[k])
	}
	return out
}

// GetByKeys returns the coalesced values for the requested keys, omitting
// any that aren't present.
func (c *Coalescer) GetByKeys(oid objectstore.OID, keys []string) []KeyValue {
	s := c.shardFor(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, present := s.objs[oid]
	if !present {
		return nil
	}
	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		if kv, found := ok.keys[k]; found {
			out = append(out, kv)
		}
	}
	return out
}

// SubmitPgmetaKeys flushes and clears oid's bucket once its key/value pairs
// have been durably written by the caller.
func (c *Coalescer) SubmitPgmetaKeys(oid objectstore.OID) []KeyValue {
	s := c.shardFor(oid)
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, present := s.objs[oid]
	if !present {
		return nil
	}
	out := make([]KeyValue, 0, len(ok.order))
	for _, k := range ok.order {
		out = append(out, ok.keys[k])
	}
	delete(s.objs, oid)
	delete(s.cid, oid)
	return out
}

// SortedKeyNames is a convenience for callers (e.g. internal/apply's
// OMAP_GET_KEYS2 handling) that need keys in sorted, not insertion, order.
func SortedKeyNames(kvs []KeyValue) []string {
	names := make([]string, len(kvs))
	for i, kv := range kvs {
		names[i] = kv.Key
	}
	sort.Strings(names)
	return names
}
