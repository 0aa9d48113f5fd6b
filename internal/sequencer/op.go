// Package sequencer implements the sequencer & op pipeline (spec §4.E): one
// FIFO per sequencer, throttle-gated submission, journal-then-apply
// pipelining, and per-sequencer-ordered completion callbacks.
package sequencer

import (
	"sync"
	"time"

	objectstore "github.com/localfs/objectstore"
)

// Op is a submitted transaction bundle moving through the state machine of
// spec §4.E:
//
//	INIT ── apply starts ──▶ (apply finishes) ──▶ WRITE
//	INIT ── journal acked ─▶ JOURNAL
//	WRITE ∧ journal acked ─▶ COMMIT ──▶ (ack-journaled) ──▶ ACK ──▶ DONE
//
// An Op holds a non-owning reference to its Sequencer (spec §9 "cyclic
// ownership between sequencer and op is avoided by making the op hold a
// non-owning reference"); the sequencer's own FIFO is what owns it until it
// reaches DONE.
type Op struct {
	CID objectstore.CID
	Ops []objectstore.TxnOp
	Wal bool
	Seq objectstore.Spos

	// OnReadableSync fires synchronously once apply completes, from inside
	// the sequencer's serialized apply path — it must not block.
	OnReadableSync func()
	// OnReadable fires once apply completes, dispatched onto the
	// apply-finisher pool (async, ordered per sequencer).
	OnReadable func()
	// OnDisk fires once the op is durably committed (both its own journal
	// ack and the batched ack-journal record have landed), dispatched onto
	// the ondisk-finisher pool.
	OnDisk func()

	StartTime time.Time
	OpsCount  int
	ByteCount int64

	sequencer *Sequencer
	admitted  int64 // bytes charged against admission, for Release

	mu         sync.Mutex
	state      objectstore.OpState
	applyDone  bool
	applyErr   error
	journalAcked bool
	journalErr   error

	journalAckCh chan error
	done         chan struct{}
}

func newOp(seq *Sequencer, cid objectstore.CID, ops []objectstore.TxnOp, wal bool, spos objectstore.Spos, admitted int64) *Op {
	return &Op{
		CID:          cid,
		Ops:          ops,
		Wal:          wal,
		Seq:          spos,
		StartTime:    time.Now(),
		OpsCount:     len(ops),
		ByteCount:    admitted,
		sequencer:    seq,
		admitted:     admitted,
		state:        objectstore.OpStateInit,
		journalAckCh: make(chan error, 1),
		done:         make(chan struct{}),
	}
}

// State returns the op's current position in the pipeline.
func (op *Op) State() objectstore.OpState {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Wait blocks until the op reaches DONE (or is halted), returning any fatal
// error recorded against it.
func (op *Op) Wait() error {
	<-op.done
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.applyErr != nil {
		return op.applyErr
	}
	return op.journalErr
}

// onApplyDone is called once from the drain loop when the full opcode
// stream (all of it, for wal=true; the resumed metadata tail included, for
// wal=false) has finished applying.
func (op *Op) onApplyDone(err error) {
	op.mu.Lock()
	op.applyErr = err
	op.applyDone = true
	if op.state < objectstore.OpStateWrite {
		op.state = objectstore.OpStateWrite
	}
	journalAcked := op.journalAcked
	op.mu.Unlock()

	if op.OnReadableSync != nil {
		op.OnReadableSync()
	}
	if op.OnReadable != nil && op.sequencer.pipeline.readable != nil {
		fn := op.OnReadable
		op.sequencer.pipeline.readable.dispatch(op.sequencer.id, fn)
	}

	if err != nil {
		op.sequencer.halt(err)
		op.finish()
		return
	}
	if journalAcked {
		op.transitionToCommit()
	}
}

// onJournalAcked is the per-op journal completion (spec §4.F path 1,
// "_journaled_written"): fired once this op's own journal entry is durable.
func (op *Op) onJournalAcked(err error) {
	op.mu.Lock()
	op.journalErr = err
	op.journalAcked = true
	if op.state < objectstore.OpStateJournal && !op.applyDone {
		op.state = objectstore.OpStateJournal
	}
	applyDone := op.applyDone
	op.mu.Unlock()

	select {
	case op.journalAckCh <- err:
	default:
	}

	if err != nil {
		op.sequencer.halt(err)
		op.finish()
		return
	}
	if applyDone {
		op.transitionToCommit()
	}
}

// awaitJournalAck blocks (used only by the wal=false pause/resume path)
// until onJournalAcked has fired, returning its error.
func (op *Op) awaitJournalAck() error {
	op.mu.Lock()
	if op.journalAcked {
		err := op.journalErr
		op.mu.Unlock()
		return err
	}
	op.mu.Unlock()
	return <-op.journalAckCh
}

// transitionToCommit moves the op to COMMIT and queues it onto the
// journal's batched ack-writer (spec §4.F path 2).
func (op *Op) transitionToCommit() {
	op.mu.Lock()
	if op.state >= objectstore.OpStateCommit {
		op.mu.Unlock()
		return
	}
	op.state = objectstore.OpStateCommit
	op.mu.Unlock()
	op.sequencer.pipeline.journalCoord.QueueForAck(op.Seq, op)
}

// onAckJournaled is called once the consolidated ack-journal batch
// containing this op has itself landed durably (spec §4.F
// "_journaled_ack_written"): transition to ACK, fire ondisk, then DONE.
func (op *Op) onAckJournaled(err error) {
	op.mu.Lock()
	op.state = objectstore.OpStateAck
	if err != nil {
		if op.journalErr == nil {
			op.journalErr = err
		}
	}
	op.mu.Unlock()

	if err != nil {
		op.sequencer.halt(err)
		op.finish()
		return
	}

	p := op.sequencer.pipeline
	p.ondisk.dispatch(op.sequencer.id, func() {
		op.mu.Lock()
		op.state = objectstore.OpStateDone
		op.mu.Unlock()
		if op.OnDisk != nil {
			op.OnDisk()
		}
		op.finish()
	})
}

// finish releases the op's admission credits and marks it complete, exactly
// once regardless of which path (fatal apply, fatal journal, or successful
// ack) reached DONE first.
func (op *Op) finish() {
	select {
	case <-op.done:
		return
	default:
	}
	op.sequencer.pipeline.admission.Release(op.admitted)
	op.sequencer.completeOne()
	close(op.done)
}
