package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/journalio"
)

// fakeJournal is a synchronous, in-memory journalio.Journal: SubmitEntry
// acks immediately, inline, which makes Coordinator tests deterministic
// without sleeping on a background writer thread.
type fakeJournal struct {
	mu      sync.Mutex
	entries [][]byte
	writable bool
}

func newFakeJournal() *fakeJournal { return &fakeJournal{writable: true} }

func (f *fakeJournal) Prepare(blob []byte) ([]byte, int, error) {
	return append([]byte{}, blob...), len(blob), nil
}

func (f *fakeJournal) SubmitEntry(ctx context.Context, seq objectstore.Spos, framed []byte, origLen int, ack journalio.AckFunc, token any) error {
	f.mu.Lock()
	f.entries = append(f.entries, framed)
	f.mu.Unlock()
	if ack != nil {
		ack(seq, nil)
	}
	return nil
}

func (f *fakeJournal) IsWriteable() bool                   { return f.writable }
func (f *fakeJournal) Throttle(ctx context.Context) error  { return nil }
func (f *fakeJournal) Flush(ctx context.Context) error     { return nil }
func (f *fakeJournal) Check(ctx context.Context) error      { return nil }
func (f *fakeJournal) Create(ctx context.Context) error     { return nil }
func (f *fakeJournal) Dump(ctx context.Context) (string, error) { return "", nil }
func (f *fakeJournal) ShouldCommitNow(ctx context.Context) bool { return false }
func (f *fakeJournal) Replay(ctx context.Context, from objectstore.Spos, fn func(objectstore.Spos, []byte) error) (objectstore.Spos, error) {
	return objectstore.Spos{}, nil
}
func (f *fakeJournal) Close() error { return nil }

func TestCoordinatorSubmitFiresPerOpAck(t *testing.T) {
	fj := newFakeJournal()
	var seqCounter uint64
	alloc := func() objectstore.Spos {
		return objectstore.Spos{OpSeq: atomic.AddUint64(&seqCounter, 1)}
	}
	c := New(fj, alloc, nil, 8, time.Hour)
	c.Start()
	defer c.Close()

	var acked atomic.Bool
	err := c.Submit(context.Background(), objectstore.Spos{OpSeq: 1}, []byte("payload"), "tok", func(err error) {
		acked.Store(err == nil)
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !acked.Load() {
		t.Fatalf("expected per-op ack to have fired synchronously")
	}
}

func TestCoordinatorBatchesAckJournalEntries(t *testing.T) {
	fj := newFakeJournal()
	var seqCounter uint64 = 100
	alloc := func() objectstore.Spos {
		return objectstore.Spos{OpSeq: atomic.AddUint64(&seqCounter, 1)}
	}

	var mu sync.Mutex
	var batches [][]AckedOp
	onAck := func(batch []AckedOp, err error) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
	}

	c := New(fj, alloc, onAck, 3, 20*time.Millisecond)
	c.Start()
	defer c.Close()

	c.QueueForAck(objectstore.Spos{OpSeq: 1}, "a")
	c.QueueForAck(objectstore.Spos{OpSeq: 2}, "b")
	c.QueueForAck(objectstore.Spos{OpSeq: 3}, "c") // hits batchMax, should flush eagerly

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(batches)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for ack-journal batch to flush")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("expected one batch of 3 acked ops, got %+v", batches)
	}
}

func TestCoordinatorFlushesByIntervalWhenBelowBatchMax(t *testing.T) {
	fj := newFakeJournal()
	var seqCounter uint64
	alloc := func() objectstore.Spos {
		return objectstore.Spos{OpSeq: atomic.AddUint64(&seqCounter, 1)}
	}

	var mu sync.Mutex
	var batches [][]AckedOp
	onAck := func(batch []AckedOp, err error) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
	}

	c := New(fj, alloc, onAck, 100, 10*time.Millisecond)
	c.Start()
	defer c.Close()

	c.QueueForAck(objectstore.Spos{OpSeq: 1}, "solo")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(batches)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for interval-triggered flush")
		}
		time.Sleep(time.Millisecond)
	}
}
