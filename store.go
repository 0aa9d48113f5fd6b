package objectstore

import (
	"context"
	"fmt"

	"github.com/localfs/objectstore/fsbackend"
	"github.com/localfs/objectstore/internal/mount"
	"github.com/localfs/objectstore/internal/sequencer"
)

// Store is the top-level handle returned by Open: a mounted store with its
// apply pool, finishers, throttles, sync thread and ack-writer thread all
// running (spec §4.I).
type Store struct {
	cfg     Config
	mounted *mount.Result
}

// Open mounts the store rooted at cfg.BaseDir, running recovery (spec §4.I)
// and starting every background subsystem before returning.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	r, err := mount.Mount(ctx, cfg, nil, nil)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, mounted: r}, nil
}

// Close shuts the store down cooperatively (sync thread, then apply pool,
// then ack writer and journal, then finishers), then releases the fsid lock.
func (s *Store) Close() error {
	return s.mounted.Close()
}

// FSID returns the store's identity, generated on first mount and stable
// across remounts.
func (s *Store) FSID() UUID {
	return s.mounted.FSID
}

// Capabilities reports what the underlying filesystem supports, as probed
// at mount time (spec §4.I step 4).
func (s *Store) Capabilities() fsbackend.Capabilities {
	return s.mounted.Capabilities
}

// SubmitRequest describes one transaction to admit into the store (spec
// §4.E). SequencerID selects the strict-FIFO lane the transaction is
// ordered within; two requests on different SequencerIDs carry no ordering
// guarantee relative to each other.
type SubmitRequest struct {
	SequencerID uint64
	CID         CID
	Ops         []TxnOp

	// OnReadableSync fires synchronously, inline with the apply pass, once
	// the transaction's data is visible to readers on the same sequencer.
	OnReadableSync func()
	// OnReadable fires asynchronously, from a finisher pool, once the
	// transaction is durable enough that a caller-visible read may depend
	// on it (spec §4.E's "readable" completion class).
	OnReadable func()
	// OnDisk fires once the transaction is fully committed to the journal
	// and applied (spec §4.E's "on-disk" completion class).
	OnDisk func()
}

// Txn is a handle to a submitted transaction, returned by Submit. Wait
// blocks until the transaction reaches a terminal state.
type Txn struct {
	op *sequencer.Op
}

// State reports the transaction's current position in the sequencer state
// machine.
func (t *Txn) State() OpState {
	return t.op.State()
}

// Wait blocks until the transaction reaches a terminal state, returning any
// error the apply or journal path produced.
func (t *Txn) Wait() error {
	return t.op.Wait()
}

// Submit runs the admission-then-enqueue algorithm of spec §4.E and returns
// as soon as the transaction is admitted; use the returned Txn's Wait to
// block for completion.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (*Txn, error) {
	op, err := s.mounted.Pipeline.Submit(ctx, sequencer.SubmitRequest{
		SequencerID:    req.SequencerID,
		CID:            req.CID,
		Ops:            req.Ops,
		OnReadableSync: req.OnReadableSync,
		OnReadable:     req.OnReadable,
		OnDisk:         req.OnDisk,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: submit: %w", err)
	}
	return &Txn{op: op}, nil
}

// RequestSync forces a commit cycle (spec §4.H "force-sync") and blocks
// until it completes.
func (s *Store) RequestSync(ctx context.Context) error {
	return s.mounted.Commit.RequestSync(ctx)
}
