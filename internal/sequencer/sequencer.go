package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	objectstore "github.com/localfs/objectstore"
	"github.com/localfs/objectstore/encoding"
	"github.com/localfs/objectstore/internal/apply"
	"github.com/localfs/objectstore/internal/journal"
	"github.com/localfs/objectstore/journalio"
)

// Sequencer owns one strict-FIFO queue of ops (spec §4.E: "each sequencer id
// processes its ops in strict submission order"). Its drain loop is the sole
// writer of its own FIFO, so no additional locking is needed around apply
// dispatch beyond the queue mutex itself.
type Sequencer struct {
	id       uint64
	pipeline *Pipeline

	mu      sync.Mutex
	fifo    []*Op
	running bool
	err     error

	wg sync.WaitGroup
}

// Err reports the fatal error, if any, that halted this sequencer. Once set,
// no further op reaches a terminal state successfully.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sequencer) halt(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Drain blocks until every op submitted so far on this sequencer has
// reached a terminal state, used by the commit engine's quiesce step (spec
// §4.H step 2, "drain in-flight sequencers").
func (s *Sequencer) Drain() {
	s.wg.Wait()
}

func (s *Sequencer) completeOne() {
	s.wg.Done()
}

func (s *Sequencer) enqueue(op *Op) {
	s.mu.Lock()
	s.fifo = append(s.fifo, op)
	needsSchedule := !s.running
	if needsSchedule {
		s.running = true
	}
	s.mu.Unlock()
	if needsSchedule {
		// Scheduling itself must not block the submitting goroutine even
		// though applyRunner.Go blocks once ApplyPoolSize drain loops are
		// already running; the outer goroutine absorbs that wait.
		go s.pipeline.applyRunner.Go(func() error {
			s.pipeline.drive(s)
			return nil
		})
	}
}

// pop removes and returns the head of the FIFO, or reports empty and clears
// the running flag so a future enqueue reschedules the drain loop.
func (s *Sequencer) pop() (*Op, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fifo) == 0 {
		s.running = false
		return nil, false
	}
	op := s.fifo[0]
	s.fifo = s.fifo[1:]
	return op, true
}

// Config bounds the pipeline's worker pools and admission watermarks,
// mirrored from the store-wide objectstore.Config (spec §6).
type Config struct {
	ApplyPoolSize      int
	OndiskFinishers    int
	ApplyFinishers     int
	QueueMaxOps        int
	QueueMaxBytes      int64
	CommittingMaxOps   int
	CommittingMaxBytes int64
	BatchMaxOps        int
	BatchInterval      time.Duration
}

// Pipeline is the shared submission path every Sequencer's drain loop runs
// through: a fixed-size apply worker pool, the journal coordinator, the
// admission gate, and the ordered finisher pools (spec §4.E/§5).
type Pipeline struct {
	applier      *apply.Applier
	journalCoord *journal.Coordinator
	admission    *admission

	mu     sync.Mutex
	seqReg map[uint64]*Sequencer

	counterMu    sync.Mutex
	nextOpSeq    uint64
	nextTransNum uint64

	// applyRunner bounds concurrent sequencer drain loops to cfg.ApplyPoolSize
	// via errgroup.SetLimit (objectstore.TaskRunner), one long-lived task per
	// currently-busy sequencer rather than one task per applied op, so the
	// pool's own FIFO ordering guarantees are unaffected by the bound.
	applyRunner *objectstore.TaskRunner
	// fence lets the commit engine pause new applies mid-cycle (spec §4.H
	// step 3, "fence out new applies during the checkpoint window") without
	// tearing down the pool: PauseApply takes the write side, ordinary
	// applies take the read side and run concurrently with each other.
	fence sync.RWMutex

	readable *finisherPool
	ondisk   *finisherPool
}

// NewPipeline wires an Applier and an external journal into a running
// Pipeline: the journal coordinator is constructed internally since its
// allocSeq/onAckJournaled callbacks close over the pipeline itself.
func NewPipeline(applier *apply.Applier, j journalio.Journal, cfg Config) *Pipeline {
	if cfg.ApplyPoolSize < 1 {
		cfg.ApplyPoolSize = 1
	}
	p := &Pipeline{
		applier:     applier,
		seqReg:      map[uint64]*Sequencer{},
		applyRunner: objectstore.NewTaskRunner(context.Background(), cfg.ApplyPoolSize),
		admission: newAdmission(cfg.QueueMaxOps, cfg.QueueMaxBytes,
			cfg.CommittingMaxOps, cfg.CommittingMaxBytes),
		readable: newFinisherPool(cfg.ApplyFinishers),
		ondisk:   newFinisherPool(cfg.OndiskFinishers),
	}
	p.journalCoord = journal.New(j, p.allocSpos, p.onAckJournaled, cfg.BatchMaxOps, cfg.BatchInterval)
	p.journalCoord.Start()
	return p
}

// SequencerFor returns the Sequencer for id, creating it on first use. The
// registry never removes an entry: sequencer ids are a small, long-lived
// keyspace (spec §4.E, "one per client session or comparable unit of
// concurrency").
func (p *Pipeline) SequencerFor(id uint64) *Sequencer {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.seqReg[id]
	if !ok {
		s = &Sequencer{id: id, pipeline: p}
		p.seqReg[id] = s
	}
	return s
}

// DrainAll blocks until every registered sequencer has drained, used by the
// commit engine's quiesce step.
func (p *Pipeline) DrainAll() {
	p.mu.Lock()
	seqs := make([]*Sequencer, 0, len(p.seqReg))
	for _, s := range p.seqReg {
		seqs = append(seqs, s)
	}
	p.mu.Unlock()
	for _, s := range seqs {
		s.Drain()
	}
}

// Close drains every sequencer, then shuts down the journal coordinator and
// the finisher pools. Callers must ensure no further Submit calls race with
// Close.
func (p *Pipeline) Close() error {
	p.DrainAll()
	p.applyRunner.Wait()
	err := p.journalCoord.Close()
	p.readable.Close()
	p.ondisk.Close()
	return err
}

// PauseApply blocks new applies from starting until the returned func is
// called (spec §4.H step 3). It returns once applies already in progress
// have released the fence; it does not wait for ops still queued.
func (p *Pipeline) PauseApply() (resume func()) {
	p.fence.Lock()
	return p.fence.Unlock
}

// SetCommitting toggles the admission gate's committing-overlay limits
// (spec §6), used by the commit engine while a cycle is in flight.
func (p *Pipeline) SetCommitting(v bool) {
	p.admission.SetCommitting(v)
}

// CurrentOpSeq reports the highest op_seq allocated so far, the value the
// commit engine records as committing_seq (spec §4.H step 5) before
// persisting it.
func (p *Pipeline) CurrentOpSeq() uint64 {
	p.counterMu.Lock()
	defer p.counterMu.Unlock()
	return p.nextOpSeq
}

// ShouldCommitNow passes through to the underlying journal's own signal
// (spec §4.H step 10, "or the journal says should commit now").
func (p *Pipeline) ShouldCommitNow(ctx context.Context) bool {
	return p.journalCoord.ShouldCommitNow(ctx)
}

// FlushJournal passes through to the underlying journal's Flush.
func (p *Pipeline) FlushJournal(ctx context.Context) error {
	return p.journalCoord.Flush(ctx)
}

func (p *Pipeline) allocSpos() objectstore.Spos {
	p.counterMu.Lock()
	defer p.counterMu.Unlock()
	p.nextOpSeq++
	return objectstore.Spos{OpSeq: p.nextOpSeq}
}

// allocTxnSpos mints the base Spos for a newly submitted transaction: a
// fresh op_seq and trans_num, op_num 0 (internal/apply advances op_num per
// opcode within the transaction).
func (p *Pipeline) allocTxnSpos() objectstore.Spos {
	p.counterMu.Lock()
	defer p.counterMu.Unlock()
	p.nextOpSeq++
	p.nextTransNum++
	return objectstore.Spos{OpSeq: p.nextOpSeq, TransNum: p.nextTransNum}
}

// SeedCounters advances the op_seq/trans_num counters past a recovered
// high-water mark. Replay calls it for each replayed entry so newly
// submitted transactions never reuse a replayed Spos.
func (p *Pipeline) SeedCounters(opSeq, transNum uint64) {
	p.counterMu.Lock()
	defer p.counterMu.Unlock()
	if opSeq > p.nextOpSeq {
		p.nextOpSeq = opSeq
	}
	if transNum > p.nextTransNum {
		p.nextTransNum = transNum
	}
}

// Replay drives journal recovery (spec §4.I step 7): it scans every journal
// entry at or after from, decodes the transaction envelope, and
// applies it directly against the applier with replaying=true so the
// error-tolerance table (internal/apply's tolerable) absorbs the operations
// a prior crash had already durably applied before the crash landed.
// Ack-journal entries (internal/journal's batched list of acked Spos) carry
// no opcodes and are not applied. It seeds the op_seq/trans_num counters as
// it goes so Submit never reissues a replayed Spos. Returns the highest Spos
// actually replayed.
func (p *Pipeline) Replay(ctx context.Context, from objectstore.Spos) (objectstore.Spos, error) {
	var last objectstore.Spos
	final, err := p.journalCoord.Replay(ctx, from, func(seq objectstore.Spos, blob []byte) error {
		var acked []objectstore.Spos
		if encoding.DefaultMarshaler.Unmarshal(blob, &acked) == nil {
			p.SeedCounters(seq.OpSeq, seq.TransNum)
			last = seq
			return nil
		}
		cid, ops, derr := decodeTxn(blob)
		if derr != nil {
			return fmt.Errorf("sequencer: replay: decode entry at %+v: %w", seq, derr)
		}
		if _, aerr := p.applier.Apply(ctx, cid, seq, 0, ops, true, true, 0); aerr != nil {
			return fmt.Errorf("sequencer: replay: apply entry at %+v: %w", seq, aerr)
		}
		p.SeedCounters(seq.OpSeq, seq.TransNum)
		last = seq
		return nil
	})
	if err != nil {
		return last, err
	}
	if final.OpSeq > last.OpSeq {
		last = final
	}
	return last, nil
}

// onAckJournaled is the journal.Coordinator's batch completion callback: it
// fans a consolidated ack-journal entry's success/failure back out to every
// op the batch covered.
func (p *Pipeline) onAckJournaled(batch []journal.AckedOp, err error) {
	for _, a := range batch {
		op, ok := a.Token.(*Op)
		if !ok {
			continue
		}
		op.onAckJournaled(err)
	}
}

// SubmitRequest describes one transaction bundle to admit into the
// pipeline.
type SubmitRequest struct {
	SequencerID uint64
	CID         objectstore.CID
	Ops         []objectstore.TxnOp

	OnReadableSync func()
	OnReadable     func()
	OnDisk         func()
}

// Submit runs the admission-then-enqueue algorithm of spec §4.E: reserve
// throttle credits, allocate an Spos, enqueue for apply on the target
// sequencer, and submit the encoded transaction to the journal in parallel.
// It returns as soon as the op is admitted; use the returned Op's Wait to
// block for completion.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*Op, error) {
	seq := p.SequencerFor(req.SequencerID)
	if err := seq.Err(); err != nil {
		return nil, fmt.Errorf("sequencer: sequencer %d halted: %w", req.SequencerID, err)
	}

	bytes := opBytes(req.Ops)
	if err := p.admission.Reserve(ctx, bytes); err != nil {
		return nil, err
	}

	blob, err := encodeTxn(req.CID, req.Ops)
	if err != nil {
		p.admission.Release(bytes)
		return nil, err
	}

	wal := !objectstore.IsWalEligible(req.Ops)
	spos := p.allocTxnSpos()

	op := newOp(seq, req.CID, req.Ops, wal, spos, bytes)
	op.OnReadableSync = req.OnReadableSync
	op.OnReadable = req.OnReadable
	op.OnDisk = req.OnDisk

	seq.wg.Add(1)
	seq.enqueue(op)

	if jerr := p.journalCoord.Submit(ctx, spos, blob, op, op.onJournalAcked); jerr != nil {
		op.onJournalAcked(jerr)
	}

	return op, nil
}

// drive is the sequencer's single-owner drain loop: it holds one apply-pool
// slot for as long as it has work, running ops strictly in FIFO order, and
// releases the slot the moment its queue empties (spec §4.E, "a fixed pool
// of N workers, one active drain loop per busy sequencer").
func (p *Pipeline) drive(s *Sequencer) {
	ctx := context.Background()
	for {
		op, ok := s.pop()
		if !ok {
			return
		}
		if err := s.Err(); err != nil {
			op.onApplyDone(err)
			continue
		}
		p.runOp(ctx, op)
	}
}

// runOp applies op's opcode stream. For an op that is not wal-eligible
// (op.Wal == true, the whole stream journaled), apply runs to completion in
// one pass and the metadata tail is not deferred. For a wal-eligible op
// (op.Wal == false), apply pauses right after the first data-bearing opcode (internal/apply.Applier.Apply's pausedAt contract)
// and runOp blocks this drain-loop goroutine until the op's own journal ack
// arrives before resuming the remaining metadata opcodes — the transaction
// occupies its sequencer's apply slot for the duration of the pause, exactly
// as spec §4.E's "pauses, and is resumed" wording describes.
func (p *Pipeline) runOp(ctx context.Context, op *Op) {
	p.fence.RLock()
	pausedAt, err := p.applier.Apply(ctx, op.CID, op.Seq, op.sequencer.id, op.Ops, op.Wal, false, 0)
	p.fence.RUnlock()

	if err != nil {
		op.onApplyDone(err)
		return
	}

	if pausedAt >= len(op.Ops) {
		op.onApplyDone(nil)
		return
	}

	if jerr := op.awaitJournalAck(); jerr != nil {
		op.onApplyDone(jerr)
		return
	}

	p.fence.RLock()
	_, err = p.applier.Apply(ctx, op.CID, op.Seq, op.sequencer.id, op.Ops, true, false, pausedAt)
	p.fence.RUnlock()
	op.onApplyDone(err)
}
