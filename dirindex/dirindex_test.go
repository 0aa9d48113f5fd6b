package dirindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	objectstore "github.com/localfs/objectstore"
)

func TestPathIsStableAndFansOut(t *testing.T) {
	idx := NewPosixIndex("/base")
	cid := objectstore.CID("coll1")
	oid := objectstore.OID{Name: "obj1", ShardTag: 2, Generation: 3}

	p1 := idx.Path(cid, oid)
	p2 := idx.Path(cid, oid)
	if p1 != p2 {
		t.Fatalf("expected Path to be deterministic, got %q then %q", p1, p2)
	}
	rel, err := filepath.Rel(idx.CollectionDir(cid), p1)
	if err != nil {
		t.Fatalf("rel: %v", err)
	}
	segs := 0
	for d := filepath.Dir(rel); d != "." && d != string(filepath.Separator); d = filepath.Dir(d) {
		segs++
	}
	if segs != 4 {
		t.Fatalf("expected 4 levels of hash fan-out, got %d in %q", segs, rel)
	}
}

func TestListObjectsRoundTripsFilenames(t *testing.T) {
	base := t.TempDir()
	idx := NewPosixIndex(base)
	cid := objectstore.CID("coll1")
	oids := []objectstore.OID{
		{Name: "a", ShardTag: 0, Generation: 1},
		{Name: "b", ShardTag: 5, Generation: 9},
	}
	for _, oid := range oids {
		p := idx.Path(cid, oid)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, nil, 0o640); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	got, err := idx.ListObjects(context.Background(), cid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(oids) {
		t.Fatalf("expected %d objects, got %d: %v", len(oids), len(got), got)
	}
}

func TestListObjectsMissingCollectionIsEmpty(t *testing.T) {
	idx := NewPosixIndex(t.TempDir())
	got, err := idx.ListObjects(context.Background(), objectstore.CID("nope"))
	if err != nil {
		t.Fatalf("expected no error for a missing collection, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no objects, got %v", got)
	}
}

func TestLockExclusiveExcludesReaders(t *testing.T) {
	idx := NewPosixIndex(t.TempDir())
	cid := objectstore.CID("coll1")

	unlock, err := idx.Lock(context.Background(), cid, true)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	acquired := make(chan func(), 1)
	go func() {
		u, err := idx.Lock(context.Background(), cid, false)
		if err != nil {
			return
		}
		acquired <- u
	}()

	select {
	case <-acquired:
		t.Fatalf("expected reader to block behind the writer's lock")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case u := <-acquired:
		u()
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for reader to acquire after writer unlocked")
	}
}

func TestLockSharedAllowsConcurrentReaders(t *testing.T) {
	idx := NewPosixIndex(t.TempDir())
	cid := objectstore.CID("coll1")

	u1, err := idx.Lock(context.Background(), cid, false)
	if err != nil {
		t.Fatalf("lock1: %v", err)
	}
	defer u1()

	done := make(chan error, 1)
	go func() {
		u2, err := idx.Lock(context.Background(), cid, false)
		if err == nil {
			u2()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second reader lock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for concurrent reader lock")
	}
}
