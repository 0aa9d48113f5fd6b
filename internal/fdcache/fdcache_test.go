package fdcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	objectstore "github.com/localfs/objectstore"
)

func openHandle(t *testing.T, oid objectstore.OID) *Handle {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fdcache")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	return &Handle{OID: oid, File: f}
}

func TestHandleCloseWaitsForOutstandingIO(t *testing.T) {
	h := openHandle(t, objectstore.OID{Name: "obj1"})
	h.BeginIO()

	if waitForEmpty(context.Background(), h, 50*time.Millisecond) {
		t.Fatalf("expected waitForEmpty to time out while I/O is outstanding")
	}

	closed := make(chan error, 1)
	go func() { closed <- h.Close(context.Background()) }()

	select {
	case err := <-closed:
		t.Fatalf("expected Close to block on outstanding I/O, returned early with %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	h.EndIO()

	if !waitForEmpty(context.Background(), h, time.Second) {
		t.Fatalf("expected waitForEmpty to observe the counters drain")
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Close to return after EndIO")
	}
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	h := openHandle(t, objectstore.OID{Name: "obj1"})
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestShardedCacheAddLookupClear(t *testing.T) {
	c := NewSharded(2, 4)
	oid := objectstore.OID{Name: "obj1"}
	h := openHandle(t, oid)

	actual, existed := c.Add(oid, h)
	if existed {
		t.Fatalf("expected first Add to win")
	}
	if actual != h {
		t.Fatalf("expected Add to return the installed handle")
	}
	if got := c.Lookup(oid); got != h {
		t.Fatalf("expected Lookup to find the installed handle")
	}

	other := openHandle(t, oid)
	actual2, existed2 := c.Add(oid, other)
	if !existed2 {
		t.Fatalf("expected second Add for the same oid to lose the race")
	}
	if actual2 != h {
		t.Fatalf("expected the loser to be told about the winner's handle")
	}
	other.File.Close()

	if err := c.Clear(context.Background(), oid); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := c.Lookup(oid); got != nil {
		t.Fatalf("expected Lookup to miss after Clear")
	}
}

func TestShardedCacheEvictsOnOverflow(t *testing.T) {
	c := NewSharded(1, 2)
	var paths []string
	for i := 0; i < 3; i++ {
		oid := objectstore.OID{Name: string(rune('a' + i))}
		h := openHandle(t, oid)
		paths = append(paths, h.File.Name())
		c.Add(oid, h)
	}
	// capacity 2: the first inserted entry should have been evicted and its
	// file closed.
	first := objectstore.OID{Name: "a"}
	if got := c.Lookup(first); got != nil {
		t.Fatalf("expected the oldest entry to be evicted")
	}
	if _, err := os.Stat(paths[0]); err != nil && !os.IsNotExist(err) {
		t.Fatalf("unexpected stat error: %v", err)
	}
}

func TestRandomCacheAddLookupClear(t *testing.T) {
	c := NewRandom(4)
	oid := objectstore.OID{Name: "obj1"}
	h := openHandle(t, oid)
	if _, existed := c.Add(oid, h); existed {
		t.Fatalf("expected first Add to win")
	}
	if got := c.Lookup(oid); got != h {
		t.Fatalf("expected Lookup to find the installed handle")
	}
	if err := c.Clear(context.Background(), oid); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := c.Lookup(oid); got != nil {
		t.Fatalf("expected Lookup to miss after Clear")
	}
}

func TestResizeChangesCapacity(t *testing.T) {
	c := NewSharded(2, 8)
	c.Resize(20)
	dir := t.TempDir()
	for i := 0; i < 6; i++ {
		oid := objectstore.OID{Name: filepath.Join("obj", string(rune('a'+i)))}
		f, err := os.CreateTemp(dir, "fdcache")
		if err != nil {
			t.Fatalf("create temp: %v", err)
		}
		c.Add(oid, &Handle{OID: oid, File: f})
	}
	for i := 0; i < 6; i++ {
		oid := objectstore.OID{Name: filepath.Join("obj", string(rune('a'+i)))}
		if got := c.Lookup(oid); got == nil {
			t.Fatalf("expected entry %d to survive with the enlarged capacity", i)
		}
	}
}
