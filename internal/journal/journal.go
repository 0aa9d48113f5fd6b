// Package journal implements the journal coordinator (spec §4.F): it drives
// the external journalio.Journal contract along its two completion paths, a
// per-op ack passthrough and a batched ack-journal worker that consolidates
// many acked ops into one further journaled entry.
package journal

import (
	"context"
	"sync"
	"time"

	log "log/slog"

	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/encoding"
	"github.com/localfs/objectstore/journalio"
)

// AckedOp is one op batched into a consolidated ack-journal entry.
type AckedOp struct {
	Seq   objectstore.Spos
	Token any
}

// Coordinator wraps a journalio.Journal, adding the batched ack-journal
// worker described in spec §4.F path 2. Callers (internal/sequencer) drive
// per-op submission through Submit, and call QueueForAck once an op's own
// journal ack and apply pass have both completed.
type Coordinator struct {
	j journalio.Journal

	// allocSeq mints the op_seq an ack-journal entry is itself submitted
	// under — supplied by the caller since only the sequencer registry owns
	// the global op_seq counter.
	allocSeq func() objectstore.Spos
	// onAckJournaled fires once a batch's own ack lands durably (spec
	// "_journaled_ack_written"): the caller transitions each acked op to
	// ACK and schedules its ondisk completion. The op is not re-queued onto
	// the apply pool; no further apply pass runs after ACK.
	onAckJournaled func(batch []AckedOp, err error)

	batchMax      int
	batchInterval time.Duration

	mu      sync.Mutex
	pending []AckedOp
	wake    chan struct{}
	closed  chan struct{}
	runner  *objectstore.TaskRunner
}

// New returns a Coordinator. batchMax bounds how many acked ops accumulate
// before the ack-writer flushes eagerly; batchInterval bounds how long a
// single acked op can wait before its batch flushes regardless of size.
func New(j journalio.Journal, allocSeq func() objectstore.Spos, onAckJournaled func(batch []AckedOp, err error), batchMax int, batchInterval time.Duration) *Coordinator {
	if batchMax < 1 {
		batchMax = 1
	}
	if batchInterval <= 0 {
		batchInterval = 10 * time.Millisecond
	}
	return &Coordinator{
		j:              j,
		allocSeq:       allocSeq,
		onAckJournaled: onAckJournaled,
		batchMax:       batchMax,
		batchInterval:  batchInterval,
		wake:           make(chan struct{}, 1),
		closed:         make(chan struct{}),
	}
}

// Start launches the ack-writer worker as a single-task objectstore.TaskRunner
// (spec §4.F path 2's worker, one persistent goroutine, tracked through the
// same errgroup-backed runner the apply pool and finisher pools use). Call
// once, before any QueueForAck.
func (c *Coordinator) Start() {
	c.runner = objectstore.NewTaskRunner(context.Background(), 1)
	c.runner.Go(func() error {
		c.ackWriter()
		return nil
	})
}

// Submit encodes blob and submits it to the external journal under seq,
// invoking onJournaled once its own ack fires — spec §4.F path 1,
// "_journaled_written". It does not decide whether to queue the op onto the
// ack-writer; the caller does that (it alone knows whether apply has also
// finished) by calling QueueForAck.
func (c *Coordinator) Submit(ctx context.Context, seq objectstore.Spos, blob []byte, token any, onJournaled func(err error)) error {
	framed, origLen, err := c.j.Prepare(blob)
	if err != nil {
		return err
	}
	return c.j.SubmitEntry(ctx, seq, framed, origLen, func(ackedSeq objectstore.Spos, ackErr error) {
		if onJournaled != nil {
			onJournaled(ackErr)
		}
	}, token)
}

// IsWriteable, Throttle, Flush, Check, Create, Dump and ShouldCommitNow pass
// straight through to the external journal (spec §4.F's admin surface).
func (c *Coordinator) IsWriteable() bool                 { return c.j.IsWriteable() }
func (c *Coordinator) Throttle(ctx context.Context) error { return c.j.Throttle(ctx) }
func (c *Coordinator) Flush(ctx context.Context) error    { return c.j.Flush(ctx) }
func (c *Coordinator) Check(ctx context.Context) error    { return c.j.Check(ctx) }
func (c *Coordinator) Create(ctx context.Context) error   { return c.j.Create(ctx) }
func (c *Coordinator) Dump(ctx context.Context) (string, error) { return c.j.Dump(ctx) }
func (c *Coordinator) ShouldCommitNow(ctx context.Context) bool { return c.j.ShouldCommitNow(ctx) }

// Replay delegates straight to the external journal's replay scan.
func (c *Coordinator) Replay(ctx context.Context, from objectstore.Spos, fn func(seq objectstore.Spos, blob []byte) error) (objectstore.Spos, error) {
	return c.j.Replay(ctx, from, fn)
}

// QueueForAck enqueues (seq, token) onto the batched ack-writer. Called once
// both the op's journal ack and its apply pass have completed.
func (c *Coordinator) QueueForAck(seq objectstore.Spos, token any) {
	c.mu.Lock()
	c.pending = append(c.pending, AckedOp{Seq: seq, Token: token})
	full := len(c.pending) >= c.batchMax
	c.mu.Unlock()
	if full {
		c.poke()
	}
}

func (c *Coordinator) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) ackWriter() {
	ticker := time.NewTicker(c.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			c.flushBatch()
			return
		case <-c.wake:
			c.flushBatch()
		case <-ticker.C:
			c.flushBatch()
		}
	}
}

func (c *Coordinator) flushBatch() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	// Only the sequence positions are journaled; tokens are in-memory
	// handles (internal/sequencer passes *Op) and are not serializable.
	seqs := make([]objectstore.Spos, len(batch))
	for i, a := range batch {
		seqs[i] = a.Seq
	}
	blob, err := encoding.DefaultMarshaler.Marshal(seqs)
	if err != nil {
		log.Error("journal: failed to encode ack-journal entry", "err", err)
		if c.onAckJournaled != nil {
			c.onAckJournaled(batch, err)
		}
		return
	}

	ackSeq := c.allocSeq()
	ctx := context.Background()
	err = c.Submit(ctx, ackSeq, blob, batch, func(ackErr error) {
		if c.onAckJournaled != nil {
			c.onAckJournaled(batch, ackErr)
		}
	})
	if err != nil {
		log.Error("journal: ack-journal entry submission failed", "err", err)
	}
}

// Close stops the ack-writer after flushing any pending batch, then closes
// the underlying journal.
func (c *Coordinator) Close() error {
	close(c.closed)
	c.runner.Wait()
	return c.j.Close()
}
