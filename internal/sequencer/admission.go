package sequencer

import (
	"context"
	"sync"

	objectstore "github.com/localfs/objectstore"
)

// admission bounds how many ops/bytes may be in flight before a submission
// blocks (spec §4.E submission algorithm step 3: "reserve throttle credits
// ... block while queued_ops + 1 > max_ops or queued_bytes + op_bytes >
// max_bytes"). It is a distinct component from internal/throttle (the
// write-back throttle, spec §4.B, which bounds dirty pages awaiting
// flush) — this one bounds admission of whole transactions into the
// pipeline, grounded on the same condition-variable shape as
// internal/throttle.Throttle.
//
// Config's CommittingMaxOps/CommittingMaxBytes give the commit engine a
// tighter overlay while a commit cycle is in flight (spec §6): SetCommitting
// swaps the active limit pair.
type admission struct {
	mu   sync.Mutex
	cond *sync.Cond

	queuedOps   int
	queuedBytes int64

	maxOps   int
	maxBytes int64

	committingMaxOps   int
	committingMaxBytes int64
	committing         bool
}

func newAdmission(maxOps int, maxBytes int64, committingMaxOps int, committingMaxBytes int64) *admission {
	a := &admission{
		maxOps:             maxOps,
		maxBytes:           maxBytes,
		committingMaxOps:   committingMaxOps,
		committingMaxBytes: committingMaxBytes,
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *admission) limits() (int, int64) {
	if a.committing && (a.committingMaxOps > 0 || a.committingMaxBytes > 0) {
		return a.committingMaxOps, a.committingMaxBytes
	}
	return a.maxOps, a.maxBytes
}

// Reserve blocks until admitting one more op of the given byte size would
// not exceed the active watermark pair, then charges the reservation.
func (a *admission) Reserve(ctx context.Context, bytes int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// cond.Wait unlocks/relocks a.mu itself; a ctx cancellation has to reach
	// a blocked waiter through a Broadcast rather than by racing it for the
	// unlock, or two goroutines end up unlocking the same mutex.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			a.cond.Broadcast()
		case <-stop:
		}
	}()

	for {
		maxOps, maxBytes := a.limits()
		over := (maxOps > 0 && a.queuedOps+1 > maxOps) || (maxBytes > 0 && a.queuedBytes+bytes > maxBytes)
		if !over {
			a.queuedOps++
			a.queuedBytes += bytes
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.cond.Wait()
	}
}

// Release returns a prior reservation's credits, waking any submitter
// blocked in Reserve.
func (a *admission) Release(bytes int64) {
	a.mu.Lock()
	a.queuedOps--
	a.queuedBytes -= bytes
	a.mu.Unlock()
	a.cond.Broadcast()
}

// SetCommitting toggles the committing-overlay limit pair (spec §6
// "committing-overlay limits"), used by internal/commit to tighten
// admission while a commit cycle fences new applies.
func (a *admission) SetCommitting(v bool) {
	a.mu.Lock()
	a.committing = v
	a.mu.Unlock()
	a.cond.Broadcast()
}

// opBytes sums the size of every data payload a transaction carries, the
// admission unit spec §4.E charges reservations against.
func opBytes(ops []objectstore.TxnOp) int64 {
	var n int64
	for _, op := range ops {
		n += int64(len(op.Data))
		for _, v := range op.Attrs {
			n += int64(len(v))
		}
		for _, v := range op.Keys {
			n += int64(len(v))
		}
	}
	return n
}
