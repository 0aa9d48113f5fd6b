// Package dirindex defines the hashed-directory-index contract (spec "the
// hashed directory index that maps an object identifier to a filesystem
// path", an external collaborator) and PosixIndex, a default implementation.
package dirindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	objectstore "github.com/localfs/objectstore"
)

// Index maps (cid, oid) to a filesystem path and back, and exposes the
// per-collection reader-writer lock the applier takes around mutating vs.
// read-only opcodes (spec §5: "apply acquires write-lock for mutating ops
// and read-lock for reads").
type Index interface {
	// Path returns the on-disk path an object should live at. It does not
	// touch the filesystem.
	Path(cid objectstore.CID, oid objectstore.OID) string
	// CollectionDir returns the on-disk path of a collection's directory.
	CollectionDir(cid objectstore.CID) string

	// Lock acquires the collection's reader-writer lock; write selects
	// exclusive vs. shared. The returned func releases it.
	Lock(ctx context.Context, cid objectstore.CID, write bool) (unlock func(), err error)

	// ListObjects walks cid's directory hierarchy and returns every OID
	// presently on disk, used by SPLIT_COLLECTION to find objects whose hash
	// falls in the bits/rem partition being moved to another collection.
	ListObjects(ctx context.Context, cid objectstore.CID) ([]objectstore.OID, error)
}

// PosixIndex adapts the teacher's fs/tofilepath.go 4-level hex-hierarchy
// placement function, generalized from a single UUID key to a (cid, oid)
// pair: the collection becomes the top-level directory and the object's
// hash still fans out into four levels beneath it, which keeps per-
// directory file counts bounded even for collections with millions of
// objects.
type PosixIndex struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewPosixIndex returns a PosixIndex rooted at baseDir (typically
// "<store>/current").
func NewPosixIndex(baseDir string) *PosixIndex {
	return &PosixIndex{baseDir: baseDir, locks: map[string]*sync.RWMutex{}}
}

// CollectionDir returns "<base>/<cid>".
func (idx *PosixIndex) CollectionDir(cid objectstore.CID) string {
	return filepath.Join(idx.baseDir, sanitize(cid.String()))
}

// Path returns "<base>/<cid>/<h0>/<h1>/<h2>/<h3>/<name>.<shard>.<gen>" where
// h0..h3 are the first four hex nibbles of the object's 32-bit hash —
// Apply4LevelHierarchy generalized from a 128-bit UUID to the OID's Hash32.
func (idx *PosixIndex) Path(cid objectstore.CID, oid objectstore.OID) string {
	h := oid.Hash32()
	levels := apply4LevelHierarchy(h)
	filename := fmt.Sprintf("%s.%d.%d", sanitize(oid.Name), oid.ShardTag, oid.Generation)
	return filepath.Join(idx.CollectionDir(cid), levels, filename)
}

func apply4LevelHierarchy(h uint32) string {
	s := fmt.Sprintf("%08x", h)
	return filepath.Join(string(s[0]), string(s[1]), string(s[2]), string(s[3]))
}

func sanitize(name string) string {
	return filepath.Clean(string(os.PathSeparator) + name)[1:]
}

// ListObjects walks the 4-level hex hierarchy under cid's directory and
// parses each filename back into an OID ("<name>.<shard>.<gen>"). Directories
// and files that don't match that pattern (e.g. a leftover probe file) are
// skipped rather than failing the whole walk.
func (idx *PosixIndex) ListObjects(ctx context.Context, cid objectstore.CID) ([]objectstore.OID, error) {
	root := idx.CollectionDir(cid)
	var out []objectstore.OID
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if oid, ok := parseOIDFilename(d.Name()); ok {
			out = append(out, oid)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}

func parseOIDFilename(name string) (objectstore.OID, bool) {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) != 3 {
		return objectstore.OID{}, false
	}
	shard, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return objectstore.OID{}, false
	}
	gen, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return objectstore.OID{}, false
	}
	return objectstore.OID{Name: parts[0], ShardTag: uint32(shard), Generation: gen}, true
}

// Lock acquires the named collection's lock, creating it on first use. The
// map itself is protected by a short-held mutex; the per-collection lock is
// what apply actually waits on, per spec §5.
func (idx *PosixIndex) Lock(ctx context.Context, cid objectstore.CID, write bool) (func(), error) {
	key := cid.String()
	idx.mu.Lock()
	l, ok := idx.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		idx.locks[key] = l
	}
	idx.mu.Unlock()

	if write {
		l.Lock()
		return l.Unlock, nil
	}
	l.RLock()
	return l.RUnlock, nil
}
