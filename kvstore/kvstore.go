// Package kvstore defines the ordered key/value store contract (spec "the
// embedded ordered key/value store used for overflow attributes and
// per-object maps", an external collaborator) and MemStore, a default
// in-process reference implementation.
package kvstore

import (
	"context"
	"sort"
	"sync"

	objectstore "github.com/localfs/objectstore"
)

// Store is the ordered KV map contract the pgmeta coalescer and applier
// write through to for omap and spilled-attribute storage. Writes carry an
// spos so the store itself can reject a replayed write that is no longer
// the newest one for that key (spec §4.D's replay-guard comparison rules,
// applied at key granularity instead of per-object-file granularity).
type Store interface {
	// Namespace scopes a collection of keys, e.g. "<cid>/<oid>/omap" or
	// "<cid>/<oid>/xattr".
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte, at objectstore.Spos) error
	Delete(ctx context.Context, namespace, key string, at objectstore.Spos) error
	DeleteRange(ctx context.Context, namespace, first, last string, at objectstore.Spos) error
	Clear(ctx context.Context, namespace string, at objectstore.Spos) error

	// Range iterates keys in [first, last) (last == "" means open-ended) in
	// ascending order, calling fn until it returns false or the range ends.
	Range(ctx context.Context, namespace, first, last string, fn func(key string, value []byte) bool) error

	// SetHeader/GetHeader store the per-omap header blob (OMAP_SETHEADER).
	SetHeader(ctx context.Context, namespace string, value []byte, at objectstore.Spos) error
	GetHeader(ctx context.Context, namespace string) ([]byte, bool, error)

	// Sync flushes any buffered state durably (called by the commit engine
	// when the backend lacks checkpoints, spec §4.H step 7).
	Sync(ctx context.Context) error
}

type entry struct {
	key   string
	value []byte
	at    objectstore.Spos
}

type nsData struct {
	entries []entry // kept sorted by key
	header  []byte
	hdrAt   objectstore.Spos
}

// MemStore is a single-process, sorted-slice-backed ordered map guarded by
// one sync.RWMutex. It is a deliberately simplified analog of a lock-free
// arena skiplist (the shape alexhholmes-boulder/internal/skiplist uses for
// an ordered map with forward iteration): Store is explicitly an external
// collaborator here, so only one correct, easy-to-audit reference
// implementation is required, not a production-grade concurrent memtable.
type MemStore struct {
	mu sync.RWMutex
	ns map[string]*nsData
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{ns: map[string]*nsData{}}
}

func (m *MemStore) nsFor(namespace string, create bool) *nsData {
	d, ok := m.ns[namespace]
	if !ok {
		if !create {
			return nil
		}
		d = &nsData{}
		m.ns[namespace] = d
	}
	return d
}

func (m *MemStore) find(d *nsData, key string) (int, bool) {
	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].key >= key })
	return i, i < len(d.entries) && d.entries[i].key == key
}

func (m *MemStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.nsFor(namespace, false)
	if d == nil {
		return nil, false, nil
	}
	i, found := m.find(d, key)
	if !found {
		return nil, false, nil
	}
	return d.entries[i].value, true, nil
}

// Set rejects a stale write: if the key already holds a value stamped with
// an spos >= at, the write is a no-op (idempotent replay).
func (m *MemStore) Set(ctx context.Context, namespace, key string, value []byte, at objectstore.Spos) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.nsFor(namespace, true)
	i, found := m.find(d, key)
	if found {
		if !d.entries[i].at.IsZero() && d.entries[i].at.Compare(at) >= 0 {
			return nil
		}
		d.entries[i] = entry{key: key, value: value, at: at}
		return nil
	}
	d.entries = append(d.entries, entry{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = entry{key: key, value: value, at: at}
	return nil
}

func (m *MemStore) Delete(ctx context.Context, namespace, key string, at objectstore.Spos) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.nsFor(namespace, false)
	if d == nil {
		return nil
	}
	i, found := m.find(d, key)
	if !found {
		return nil
	}
	if !d.entries[i].at.IsZero() && d.entries[i].at.Compare(at) >= 0 {
		return nil
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	return nil
}

func (m *MemStore) DeleteRange(ctx context.Context, namespace, first, last string, at objectstore.Spos) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.nsFor(namespace, false)
	if d == nil {
		return nil
	}
	lo := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].key >= first })
	hi := len(d.entries)
	if last != "" {
		hi = sort.Search(len(d.entries), func(i int) bool { return d.entries[i].key >= last })
	}
	if lo >= hi {
		return nil
	}
	d.entries = append(d.entries[:lo], d.entries[hi:]...)
	return nil
}

func (m *MemStore) Clear(ctx context.Context, namespace string, at objectstore.Spos) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ns, namespace)
	return nil
}

func (m *MemStore) Range(ctx context.Context, namespace, first, last string, fn func(key string, value []byte) bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.nsFor(namespace, false)
	if d == nil {
		return nil
	}
	lo := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].key >= first })
	for i := lo; i < len(d.entries); i++ {
		if last != "" && d.entries[i].key >= last {
			break
		}
		if !fn(d.entries[i].key, d.entries[i].value) {
			break
		}
	}
	return nil
}

func (m *MemStore) SetHeader(ctx context.Context, namespace string, value []byte, at objectstore.Spos) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.nsFor(namespace, true)
	if !d.hdrAt.IsZero() && d.hdrAt.Compare(at) >= 0 {
		return nil
	}
	d.header = value
	d.hdrAt = at
	return nil
}

func (m *MemStore) GetHeader(ctx context.Context, namespace string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.nsFor(namespace, false)
	if d == nil || d.header == nil {
		return nil, false, nil
	}
	return d.header, true, nil
}

// Sync is a no-op for MemStore: nothing is buffered outside the map itself.
func (m *MemStore) Sync(ctx context.Context) error {
	return nil
}
