package throttle

import (
	"context"
	"testing"
	"time"

	objectstore "github.com/localfs/objectstore"
)

// TestThrottleBlocksThenUnblocks is spec §8's mandatory backpressure
// scenario: a partition over its high watermark blocks a submitter, which
// only proceeds once a ClearObject drops it back under the low watermark.
func TestThrottleBlocksThenUnblocks(t *testing.T) {
	th := New(1, 100, 50, 0, 0)
	oid := objectstore.OID{Name: "obj1"}
	th.QueueWB(0, WritebackItem{OID: oid, Length: 200})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- th.Throttle(ctx, 0) }()

	select {
	case err := <-done:
		t.Fatalf("expected Throttle to block while over watermark, returned early with %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	th.ClearObject(0, oid)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected Throttle to unblock cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Throttle to unblock after ClearObject")
	}
}

// TestThrottleCancelUnblocks exercises the same double-unlock-prone wait
// path but via ctx cancellation instead of a watermark drop.
func TestThrottleCancelUnblocks(t *testing.T) {
	th := New(1, 100, 50, 0, 0)
	oid := objectstore.OID{Name: "obj1"}
	th.QueueWB(0, WritebackItem{OID: oid, Length: 200})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- th.Throttle(ctx, 0) }()

	select {
	case err := <-done:
		t.Fatalf("expected Throttle to block while over watermark, returned early with %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Throttle to unblock after cancel")
	}
}

func TestThrottleUnderWatermarkDoesNotBlock(t *testing.T) {
	th := New(1, 100, 50, 0, 0)
	if err := th.Throttle(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueueWBAndStats(t *testing.T) {
	th := New(2, 0, 0, 0, 0)
	oid := objectstore.OID{Name: "obj1"}
	th.QueueWB(3, WritebackItem{OID: oid, Length: 10})
	th.QueueWB(3, WritebackItem{OID: oid, Length: 15})
	bytes, ops := th.Stats(3)
	if bytes != 25 || ops != 2 {
		t.Fatalf("expected bytes=25 ops=2, got bytes=%d ops=%d", bytes, ops)
	}
	th.ClearObject(3, oid)
	bytes, ops = th.Stats(3)
	if bytes != 0 || ops != 0 {
		t.Fatalf("expected accounting cleared, got bytes=%d ops=%d", bytes, ops)
	}
}

func TestClearAll(t *testing.T) {
	th := New(4, 0, 0, 0, 0)
	oid := objectstore.OID{Name: "obj1"}
	for id := uint64(0); id < 4; id++ {
		th.QueueWB(id, WritebackItem{OID: oid, Length: 10})
	}
	th.ClearAll()
	for id := uint64(0); id < 4; id++ {
		bytes, ops := th.Stats(id)
		if bytes != 0 || ops != 0 {
			t.Fatalf("partition %d not cleared: bytes=%d ops=%d", id, bytes, ops)
		}
	}
}
