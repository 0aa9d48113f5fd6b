package pgmeta

import (
	"testing"

	objectstore "github.com/localfs/objectstore"
)

func spos(seq uint64) objectstore.Spos {
	return objectstore.Spos{OpSeq: seq, TransNum: 1, OpNum: 1}
}

func TestSetKeysCoalescesAndPreservesOrder(t *testing.T) {
	c := New(4)
	oid := objectstore.OID{Name: "obj1"}
	c.SetKeys("coll1", oid, []KeyValue{
		{Key: "b", Value: []byte("2"), At: spos(1)},
		{Key: "a", Value: []byte("1"), At: spos(1)},
	})
	got := c.GetAll(oid)
	if len(got) != 2 || got[0].Key != "b" || got[1].Key != "a" {
		t.Fatalf("expected insertion order [b a], got %v", got)
	}
}

func TestSetKeysRejectsStaleWrite(t *testing.T) {
	c := New(4)
	oid := objectstore.OID{Name: "obj1"}
	c.SetKeys("coll1", oid, []KeyValue{{Key: "a", Value: []byte("new"), At: spos(5)}})
	c.SetKeys("coll1", oid, []KeyValue{{Key: "a", Value: []byte("stale"), At: spos(2)}})
	got := c.GetByKeys(oid, []string{"a"})
	if len(got) != 1 || string(got[0].Value) != "new" {
		t.Fatalf("expected the newer value to survive, got %v", got)
	}
}

func TestEraseKeysRemovesAndRespectsSpos(t *testing.T) {
	c := New(4)
	oid := objectstore.OID{Name: "obj1"}
	c.SetKeys("coll1", oid, []KeyValue{{Key: "a", Value: []byte("v"), At: spos(5)}})
	c.EraseKeys("coll1", oid, []string{"a"}, spos(2))
	if got := c.GetByKeys(oid, []string{"a"}); len(got) != 1 {
		t.Fatalf("expected stale erase to be rejected, got %v", got)
	}
	c.EraseKeys("coll1", oid, []string{"a"}, spos(9))
	if got := c.GetByKeys(oid, []string{"a"}); len(got) != 0 {
		t.Fatalf("expected newer erase to remove the key, got %v", got)
	}
}

func TestErasePgmetaKeyDropsUnconditionally(t *testing.T) {
	c := New(4)
	oid := objectstore.OID{Name: "obj1"}
	c.SetKeys("coll1", oid, []KeyValue{{Key: "a", Value: []byte("v"), At: spos(100)}})
	c.ErasePgmetaKey(oid)
	if got := c.GetAll(oid); len(got) != 0 {
		t.Fatalf("expected all pending state gone, got %v", got)
	}
}

func TestSubmitShardIndexDrainsShard(t *testing.T) {
	c := New(2)
	oidA := objectstore.OID{Name: "a"}
	oidB := objectstore.OID{Name: "b"}
	c.SetKeys("coll1", oidA, []KeyValue{{Key: "k1", Value: []byte("v1"), At: spos(1)}})
	c.SetKeys("coll1", oidB, []KeyValue{{Key: "k2", Value: []byte("v2"), At: spos(1)}})

	var total int
	for i := 0; i < c.NumShards(); i++ {
		total += len(c.SubmitShardIndex(i))
	}
	if total != 2 {
		t.Fatalf("expected 2 pending objects across shards, got %d", total)
	}
	if got := c.GetAll(oidA); len(got) != 0 {
		t.Fatalf("expected shard drained, got %v", got)
	}
}

func TestSubmitPgmetaKeysFlushesAndClears(t *testing.T) {
	c := New(1)
	oid := objectstore.OID{Name: "obj1"}
	c.SetKeys("coll1", oid, []KeyValue{{Key: "a", Value: []byte("1"), At: spos(1)}})
	got := c.SubmitPgmetaKeys(oid)
	if len(got) != 1 || got[0].Key != "a" {
		t.Fatalf("expected [a], got %v", got)
	}
	if got := c.GetAll(oid); len(got) != 0 {
		t.Fatalf("expected bucket cleared after submit, got %v", got)
	}
}

func TestSortedKeyNames(t *testing.T) {
	kvs := []KeyValue{{Key: "c"}, {Key: "a"}, {Key: "b"}}
	got := SortedKeyNames(kvs)
	want := []string{"a", "b", "c"}
	for i, k := range want {
		if got[i] != k {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
