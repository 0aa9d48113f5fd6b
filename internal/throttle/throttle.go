// Package throttle implements the write-back throttle (spec §4.B): a
// partitioned tracker of dirty bytes/ops awaiting write-back, gating new
// submissions when a high watermark is crossed and releasing them once a
// low watermark is reached again.
package throttle

import (
	"context"
	"sync"

	objectstore "github.com/localfs/objectstore"
)

// WritebackItem describes one pending write-back, queued against a handle
// previously obtained from internal/fdcache.
type WritebackItem struct {
	OID          objectstore.OID
	Offset       int64
	Length       int64
	DontNeedHint bool
}

// Throttle partitions dirty accounting by sequencer id (sequencer_id %
// partitions), mirroring the per-shard independence of internal/fdcache so
// the two components don't serialize on a shared global lock.
type Throttle struct {
	partitions []*partition
	highBytes  int64
	lowBytes   int64
	highOps    int64
	lowOps     int64
}

type partition struct {
	mu        sync.Mutex
	cond      *sync.Cond
	bytes     int64
	ops       int64
	perObject map[objectstore.OID]*objectDirty
}

type objectDirty struct {
	bytes int64
	ops   int64
}

// New builds a Throttle with n partitions and the given high/low watermarks
// (bytes and op counts). Watermarks are per-partition, not global:
// internal/mount passes config's QueueMaxBytes/QueueMaxOps undivided as every
// partition's high watermark and half of each as its low watermark.
func New(n int, highBytes, lowBytes, highOps, lowOps int64) *Throttle {
	if n < 1 {
		n = 1
	}
	t := &Throttle{
		partitions: make([]*partition, n),
		highBytes:  highBytes,
		lowBytes:   lowBytes,
		highOps:    highOps,
		lowOps:     lowOps,
	}
	for i := range t.partitions {
		p := &partition{perObject: map[objectstore.OID]*objectDirty{}}
		p.cond = sync.NewCond(&p.mu)
		t.partitions[i] = p
	}
	return t
}

func (t *Throttle) partitionFor(sequencerID uint64) *partition {
	return t.partitions[sequencerID%uint64(len(t.partitions))]
}

// Throttle blocks the caller while its partition is over the high watermark,
// waking once a ClearObject/Clear/ClearAll call drops it back to the low
// watermark. Returns early if ctx is cancelled.
func (t *Throttle) Throttle(ctx context.Context, sequencerID uint64) error {
	p := t.partitionFor(sequencerID)
	p.mu.Lock()
	defer p.mu.Unlock()

	// cond.Wait unlocks/relocks p.mu itself; a ctx cancellation has to reach
	// a blocked waiter through a Broadcast rather than by racing it for the
	// unlock, or two goroutines end up unlocking the same mutex.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast()
		case <-stop:
		}
	}()

	for p.over(t.highBytes, t.highOps) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.cond.Wait()
	}
	return nil
}

func (p *partition) over(highBytes, highOps int64) bool {
	return (highBytes > 0 && p.bytes > highBytes) || (highOps > 0 && p.ops > highOps)
}

func (p *partition) under(lowBytes, lowOps int64) bool {
	byteOK := lowBytes <= 0 || p.bytes <= lowBytes
	opOK := lowOps <= 0 || p.ops <= lowOps
	return byteOK && opOK
}

// QueueWB records a pending write-back against sequencerID's partition and
// oid's per-object counters.
func (t *Throttle) QueueWB(sequencerID uint64, item WritebackItem) {
	p := t.partitionFor(sequencerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bytes += item.Length
	p.ops++
	d, ok := p.perObject[item.OID]
	if !ok {
		d = &objectDirty{}
		p.perObject[item.OID] = d
	}
	d.bytes += item.Length
	d.ops++
}

// ClearObject releases sequencerID's partition's accounting for oid, as if
// all of its queued write-backs completed; called once the FD cache or
// commit engine confirms the data landed on disk.
func (t *Throttle) ClearObject(sequencerID uint64, oid objectstore.OID) {
	p := t.partitionFor(sequencerID)
	p.mu.Lock()
	d, ok := p.perObject[oid]
	if ok {
		p.bytes -= d.bytes
		p.ops -= d.ops
		delete(p.perObject, oid)
	}
	wake := p.under(t.lowBytes, t.lowOps)
	p.mu.Unlock()
	if wake {
		p.cond.Broadcast()
	}
}

// Clear drops all accounting for sequencerID's partition (used after a full
// commit cycle) and wakes anyone blocked in Throttle.
func (t *Throttle) Clear(sequencerID uint64) {
	p := t.partitionFor(sequencerID)
	p.mu.Lock()
	p.bytes = 0
	p.ops = 0
	p.perObject = map[objectstore.OID]*objectDirty{}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// ClearAll drops accounting across every partition, used by the commit
// engine at the end of a commit cycle (spec §4.H step 8: "clear all
// write-back throttles").
func (t *Throttle) ClearAll() {
	for _, p := range t.partitions {
		p.mu.Lock()
		p.bytes = 0
		p.ops = 0
		p.perObject = map[objectstore.OID]*objectDirty{}
		p.mu.Unlock()
		p.cond.Broadcast()
	}
}

// Stats reports the current bytes/ops dirty in sequencerID's partition, for
// diagnostics and tests.
func (t *Throttle) Stats(sequencerID uint64) (bytes, ops int64) {
	p := t.partitionFor(sequencerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes, p.ops
}
